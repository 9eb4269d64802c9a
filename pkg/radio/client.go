// Package radio is a typed client for the streaming server's HTTP API.
// It knows nothing about circuit breaking; the server wraps calls in a
// breaker at the call site.
package radio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Outbound politeness: upstream calls across the whole process are
	// capped at RequestsPerSec with the given Burst.
	RequestsPerSec float64
	Burst          int
	// Transient failures (network errors, 5xx, 429) are retried with
	// exponential backoff and jitter up to MaxRetries times.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         zerolog.Logger
}

type Client struct {
	baseURL  string
	http     *http.Client
	outbound *rate.Limiter
	retries  int
	initial  time.Duration
	max      time.Duration
	logger   zerolog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     &http.Client{Timeout: cfg.Timeout},
		outbound: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		retries:  cfg.MaxRetries,
		initial:  cfg.InitialBackoff,
		max:      cfg.MaxBackoff,
		logger:   cfg.Logger.With().Str("component", "radio").Logger(),
	}
}

// NowPlaying fetches the live station snapshot.
func (c *Client) NowPlaying(ctx context.Context) (*NowPlaying, error) {
	var np NowPlaying
	err := c.do(ctx, http.MethodGet, "/api/nowplaying", nil, &np)
	if err != nil {
		return nil, err
	}
	np.FetchedAt = time.Now().UTC()
	return &np, nil
}

// SubmitRequest queues a song request with the streaming server.
func (c *Client) SubmitRequest(ctx context.Context, songID string) error {
	if songID == "" {
		return errors.New("song id is required")
	}
	body := map[string]string{"song_id": songID}
	return c.do(ctx, http.MethodPost, "/api/requests", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var attempt int
	for {
		err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if attempt >= c.retries || !isRetryable(err) {
			return err
		}
		delay := backoffWithJitter(c.initial, c.max, attempt)
		c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying upstream call")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	if err := c.outbound.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusError{status: resp.StatusCode}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type statusError struct {
	status int
}

func (e statusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.status, http.StatusText(e.status))
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr statusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests
	}
	return false
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	half := b / 2
	return time.Duration(half + rand.Float64()*half)
}
