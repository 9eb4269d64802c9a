package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/idkfknowatall/oadro-api/pkg/breaker"
	"github.com/idkfknowatall/oadro-api/pkg/config"
	"github.com/idkfknowatall/oadro-api/pkg/radio"
	"github.com/idkfknowatall/oadro-api/pkg/ratelimit"
	"github.com/idkfknowatall/oadro-api/pkg/telemetry"
)

var (
	configFile = flag.String("config", "oadro.yaml", "Config file path")
	Version    = "dev"
)

// upstream is what the handlers need from the streaming-server client.
// Tests substitute a stub.
type upstream interface {
	NowPlaying(ctx context.Context) (*radio.NowPlaying, error)
	SubmitRequest(ctx context.Context, songID string) error
}

// Server is the composition root: it owns the limiter, the breakers, and
// the now-playing cache for the life of the process. Nothing here lives in
// package-level state, so tests build fresh instances.
type Server struct {
	db         *gorm.DB
	limiter    *ratelimit.Limiter
	upstream   upstream
	npBreaker  *breaker.Breaker
	reqBreaker *breaker.Breaker
	logger     zerolog.Logger
	adminToken string

	npMu       sync.RWMutex
	npSnapshot *radio.NowPlaying
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid config")
	}

	logger := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info().Str("version", Version).Msg("oadro api starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.SetupTracing(ctx, "oadro-api", Version, telemetry.TracingOptions{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		LogSpans:    cfg.Tracing.LogSpans,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	db, err := gorm.Open(sqlite.Open(cfg.Server.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(&SongRequest{}, &Vote{}, &Reaction{}, &Session{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rate limit store")
	}
	defer store.Close()

	limiter := ratelimit.New(store, limiterConfig(cfg), logger)

	onChange := func(name string, from, to breaker.State, cause error) {
		event := logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String())
		if cause != nil {
			event = event.Err(cause)
		}
		event.Msg("circuit breaker state change")
	}
	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutS) * time.Second,
		MonitoringPeriod: time.Duration(cfg.Breaker.MonitoringPeriodS) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OnStateChange:    onChange,
	}

	client := radio.NewClient(radio.Config{
		BaseURL:        cfg.Upstream.URL,
		Timeout:        time.Duration(cfg.Upstream.RequestTimeout) * time.Second,
		RequestsPerSec: cfg.Upstream.RequestsPerSec,
		Burst:          cfg.Upstream.Burst,
		MaxRetries:     cfg.Upstream.RetryMax,
		InitialBackoff: time.Duration(cfg.Upstream.RetryInitialMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Upstream.RetryMaxMs) * time.Millisecond,
		Logger:         logger,
	})

	srv := &Server{
		db:         db,
		limiter:    limiter,
		upstream:   client,
		npBreaker:  breaker.New("nowplaying", breakerCfg),
		reqBreaker: breaker.New("song-requests", breakerCfg),
		logger:     logger,
		adminToken: cfg.Server.AdminToken,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(logger))
	srv.registerRoutes(r)

	go sweepLoop(ctx, limiter, time.Duration(cfg.RateLimit.SweepEveryS)*time.Second, logger)

	httpSrv := &http.Server{Addr: cfg.Server.Listen, Handler: r}
	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/api/health", s.handleHealth)

	api := r.Group("/api", s.requestGate)
	api.GET("/nowplaying", s.handleNowPlaying)
	api.GET("/requests", s.handleListRequests)
	api.POST("/requests", s.requireSession, s.handleSubmitRequest)
	api.POST("/votes", s.requireSession, s.handleVote)
	api.POST("/reactions", s.requireSession, s.handleReaction)
	api.GET("/stats", s.requireAdmin, s.handleStats)
}

func newStore(cfg *config.Config, logger zerolog.Logger) (ratelimit.Store, error) {
	if cfg.RateLimit.Store == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.RateLimit.Redis.Addr).Msg("using redis rate limit store")
		return ratelimit.NewRedisStore(client), nil
	}
	return ratelimit.NewMemoryStore(), nil
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	routes := make([]ratelimit.RoutePolicy, 0, len(cfg.RateLimit.Routes))
	for _, r := range cfg.RateLimit.Routes {
		routes = append(routes, ratelimit.RoutePolicy{
			Prefix: r.Prefix,
			Method: r.Method,
			Policy: ratelimit.Policy{Limit: r.Limit, Window: time.Duration(r.WindowS) * time.Second},
		})
	}
	return ratelimit.Config{
		Global:       ratelimit.Policy{Limit: cfg.RateLimit.Global.Limit, Window: time.Duration(cfg.RateLimit.Global.WindowS) * time.Second},
		Routes:       routes,
		DefaultRoute: ratelimit.Policy{Limit: cfg.RateLimit.RouteDefault.Limit, Window: time.Duration(cfg.RateLimit.RouteDefault.WindowS) * time.Second},
		UserAction:   ratelimit.Policy{Limit: cfg.RateLimit.UserAction.Limit, Window: time.Duration(cfg.RateLimit.UserAction.WindowS) * time.Second},
		Cooldown:     time.Duration(cfg.RateLimit.CooldownMs) * time.Millisecond,
	}
}

// sweepLoop drives the advisory garbage collection of expired counter
// entries. The limiter stays correct without it; this only bounds memory.
func sweepLoop(ctx context.Context, limiter *ratelimit.Limiter, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Sweep(ctx); removed > 0 {
				logger.Debug().Int("removed", removed).Msg("swept expired rate limit entries")
			}
		}
	}
}
