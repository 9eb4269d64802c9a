package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the canonical policy set. The limiter holds one config
// for its lifetime; tests construct fresh limiters rather than resetting
// shared state.
type Config struct {
	// Global caps all requests from one client identity regardless of route.
	Global Policy
	// Routes are matched by method plus longest path prefix; DefaultRoute
	// applies when nothing matches.
	Routes       []RoutePolicy
	DefaultRoute Policy
	// UserAction caps authenticated mutating actions per user id.
	UserAction Policy
	// Cooldown is the minimum interval between repeated actions on the
	// same resource by the same user.
	Cooldown time.Duration
}

// Limiter evaluates the configured policies in a fixed order. Each check
// is a flat, independently testable policy rather than a layer in an
// inheritance chain, and the composition root owns the instance.
type Limiter struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

func New(store Store, cfg Config, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// CheckRequest runs the request-scoped policies: global-by-identity first,
// then per-route-and-method. It short-circuits on the first rejection so a
// blocked client does not burn quota in later policies.
func (l *Limiter) CheckRequest(ctx context.Context, identity, method, path string) Decision {
	d := l.consume(ctx, PolicyGlobal, "global:"+identity, l.cfg.Global)
	if !d.Allowed {
		return d
	}

	route := l.routeFor(method, path)
	key := "route:" + identity + ":" + route.Prefix + ":" + method
	if rd := l.consume(ctx, PolicyRoute, key, route.Policy); !rd.Allowed || rd.Remaining < d.Remaining {
		// Report the tighter of the two quotas so response headers are
		// honest about what the client will hit first.
		return rd
	}
	return d
}

// CheckUserAction applies the per-user mutating-action limit.
func (l *Limiter) CheckUserAction(ctx context.Context, userID string) Decision {
	return l.consume(ctx, PolicyUser, "user:"+userID, l.cfg.UserAction)
}

// CheckResourceCooldown is the boolean per-resource gate: one action per
// (user, resource) per cooldown interval. On admission the stamp is
// overwritten with the current instant.
func (l *Limiter) CheckResourceCooldown(ctx context.Context, userID, resourceID string) Decision {
	key := "cooldown:" + userID + ":" + resourceID
	allowed, remaining, err := l.store.CheckCooldown(ctx, key, l.cfg.Cooldown)
	if err != nil {
		return l.failOpen(PolicyCooldown, key, err)
	}
	return Decision{
		Allowed:    allowed,
		Policy:     PolicyCooldown,
		Limit:      1,
		RetryAfter: remaining,
		ResetAt:    time.Now().Add(remaining),
	}
}

// Sweep forwards to the store; main runs it on a ticker, tests call it
// directly.
func (l *Limiter) Sweep(ctx context.Context) int {
	removed, err := l.store.Sweep(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("sweep failed")
		return 0
	}
	return removed
}

func (l *Limiter) Stats(ctx context.Context) StoreStats {
	stats, err := l.store.Stats(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("stats unavailable")
	}
	return stats
}

func (l *Limiter) consume(ctx context.Context, policyCode, key string, p Policy) Decision {
	if p.Limit <= 0 || p.Window <= 0 {
		return Decision{Allowed: true, Policy: policyCode, Limit: p.Limit}
	}
	d, err := l.store.CheckAndConsume(ctx, key, p)
	if err != nil {
		return l.failOpen(policyCode, key, err)
	}
	d.Policy = policyCode
	if !d.Allowed && d.RetryAfter <= 0 {
		d.RetryAfter = time.Until(d.ResetAt)
	}
	return d
}

// failOpen admits the request when the bookkeeping itself is broken. The
// guard must never become the outage.
func (l *Limiter) failOpen(policyCode, key string, err error) Decision {
	l.logger.Error().Err(err).Str("policy", policyCode).Str("key", key).Msg("rate limit store failed, admitting request")
	return Decision{Allowed: true, Policy: policyCode, FailedOpen: true}
}

func (l *Limiter) routeFor(method, path string) RoutePolicy {
	best := RoutePolicy{Prefix: "/", Policy: l.cfg.DefaultRoute}
	bestLen := -1
	for _, rp := range l.cfg.Routes {
		if rp.Method != "" && !strings.EqualFold(rp.Method, method) {
			continue
		}
		if strings.HasPrefix(path, rp.Prefix) && len(rp.Prefix) > bestLen {
			best = rp
			bestLen = len(rp.Prefix)
		}
	}
	return best
}
