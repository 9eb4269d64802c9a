package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/idkfknowatall/oadro-api/pkg/radio"
	"github.com/idkfknowatall/oadro-api/pkg/ratelimit"
)

func seedSession(t *testing.T, srv *Server, token, userID string) {
	t.Helper()
	require.NoError(t, srv.db.Create(&Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Hour),
	}).Error)
}

func doJSON(r *gin.Engine, method, path, token string, payload any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CF-Connecting-IP", "9.9.9.9")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestNowPlayingProxiesUpstream(t *testing.T) {
	up := &stubUpstream{np: &radio.NowPlaying{
		Station:   "oadro",
		Listeners: 12,
		Song:      radio.Song{ID: "s1", Title: "Signal", Artist: "Drift"},
	}}
	_, r := newTestServer(t, up, testLimiterConfig())

	resp := doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 1, up.npCalls)

	var np radio.NowPlaying
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &np))
	require.Equal(t, "oadro", np.Station)
	require.Equal(t, "Signal", np.Song.Title)
}

func TestNowPlayingServesStaleWhenBreakerOpens(t *testing.T) {
	up := &stubUpstream{np: &radio.NowPlaying{Station: "oadro", Listeners: 12}}
	srv, r := newTestServer(t, up, testLimiterConfig())

	// Warm the cache, then make the upstream fail until the breaker trips.
	require.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil).Code)
	up.npErr = errors.New("stream down")
	doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)
	doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)

	calls := up.npCalls
	resp := doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "true", resp.Header().Get("X-Radio-Stale"))
	require.NotEmpty(t, resp.Header().Get(headerRetryAfter))
	require.Equal(t, calls, up.npCalls, "an open breaker must not invoke the upstream")

	var np radio.NowPlaying
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &np))
	require.Equal(t, 12, np.Listeners)
	require.NotNil(t, srv.cachedNowPlaying())
}

func TestNowPlayingWithoutCacheReturns503WhenOpen(t *testing.T) {
	up := &stubUpstream{npErr: errors.New("stream down")}
	_, r := newTestServer(t, up, testLimiterConfig())

	doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)
	doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)

	resp := doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.NotEmpty(t, resp.Header().Get(headerRetryAfter))

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "stream_unavailable", body.Error.Code)
}

func TestNowPlayingServesStaleOnPlainError(t *testing.T) {
	up := &stubUpstream{np: &radio.NowPlaying{Station: "oadro"}}
	_, r := newTestServer(t, up, testLimiterConfig())

	require.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil).Code)

	// A single failure keeps the breaker closed; the stale snapshot still
	// covers the gap.
	up.npErr = errors.New("blip")
	resp := doRequest(r, http.MethodGet, "/api/nowplaying", "1.1.1.1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "true", resp.Header().Get("X-Radio-Stale"))
}

func TestSubmitRequestRequiresSession(t *testing.T) {
	_, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())

	resp := doJSON(r, http.MethodPost, "/api/requests", "", gin.H{"song_id": "s1"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doJSON(r, http.MethodPost, "/api/requests", "nope", gin.H{"song_id": "s1"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSubmitRequestPersistsRow(t *testing.T) {
	up := &stubUpstream{}
	srv, r := newTestServer(t, up, testLimiterConfig())
	seedSession(t, srv, "tok-u1", "u1")

	resp := doJSON(r, http.MethodPost, "/api/requests", "tok-u1", gin.H{
		"song_id": "s1", "title": "Signal", "artist": "Drift",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	require.Equal(t, 1, up.submitCalls)

	var created SongRequest
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.NotEmpty(t, created.PublicID)
	require.Equal(t, "submitted", created.Status)

	var row SongRequest
	require.NoError(t, srv.db.Where("public_id = ?", created.PublicID).First(&row).Error)
	require.Equal(t, "u1", row.UserID)
	require.Equal(t, "s1", row.SongID)
}

func TestSubmitRequestRejectsOverUserActionLimit(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.UserAction = ratelimit.Policy{Limit: 1, Window: time.Minute}
	srv, r := newTestServer(t, &stubUpstream{}, cfg)
	seedSession(t, srv, "tok-u1", "u1")

	require.Equal(t, http.StatusCreated, doJSON(r, http.MethodPost, "/api/requests", "tok-u1", gin.H{"song_id": "s1"}).Code)

	resp := doJSON(r, http.MethodPost, "/api/requests", "tok-u1", gin.H{"song_id": "s2"})
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "rate_limited_user", body.Error.Code)
}

func TestListRequestsHonorsLimit(t *testing.T) {
	srv, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, srv.db.Create(&SongRequest{
			PublicID: "pub-" + string(rune('a'+i)),
			SongID:   "s1",
			Status:   "submitted",
		}).Error)
	}

	resp := doRequest(r, http.MethodGet, "/api/requests?limit=3", "1.1.1.1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var rows []SongRequest
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rows))
	require.Len(t, rows, 3)
}

func TestVoteUpsertsAndEnforcesCooldown(t *testing.T) {
	srv, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())
	seedSession(t, srv, "tok-u1", "u1")
	seedSession(t, srv, "tok-u2", "u2")

	resp := doJSON(r, http.MethodPost, "/api/votes", "tok-u1", gin.H{"song_id": "s1", "value": 1})
	require.Equal(t, http.StatusOK, resp.Code)

	// Same user, same song: the cooldown blocks the re-vote.
	resp = doJSON(r, http.MethodPost, "/api/votes", "tok-u1", gin.H{"song_id": "s1", "value": -1})
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "cooldown_active", body.Error.Code)

	// A different user voting on the same song is unaffected.
	resp = doJSON(r, http.MethodPost, "/api/votes", "tok-u2", gin.H{"song_id": "s1", "value": -1})
	require.Equal(t, http.StatusOK, resp.Code)

	var count int64
	require.NoError(t, srv.db.Model(&Vote{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestVoteRejectsBadValue(t *testing.T) {
	srv, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())
	seedSession(t, srv, "tok-u1", "u1")

	resp := doJSON(r, http.MethodPost, "/api/votes", "tok-u1", gin.H{"song_id": "s1", "value": 5})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReactionEnforcesCooldownPerSong(t *testing.T) {
	srv, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())
	seedSession(t, srv, "tok-u1", "u1")

	require.Equal(t, http.StatusCreated,
		doJSON(r, http.MethodPost, "/api/reactions", "tok-u1", gin.H{"song_id": "s1", "emoji": "🔥"}).Code)

	require.Equal(t, http.StatusTooManyRequests,
		doJSON(r, http.MethodPost, "/api/reactions", "tok-u1", gin.H{"song_id": "s1", "emoji": "🎵"}).Code)

	// A different song is a different cooldown key.
	require.Equal(t, http.StatusCreated,
		doJSON(r, http.MethodPost, "/api/reactions", "tok-u1", gin.H{"song_id": "s2", "emoji": "🎵"}).Code)
}

func TestStatsRequiresAdmin(t *testing.T) {
	srv, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())
	seedSession(t, srv, "tok-u1", "u1")

	require.Equal(t, http.StatusUnauthorized, doJSON(r, http.MethodGet, "/api/stats", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, doJSON(r, http.MethodGet, "/api/stats", "tok-u1", nil).Code)

	resp := doJSON(r, http.MethodGet, "/api/stats", "admin-secret", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Contains(t, body, "rate_limit")
	require.Contains(t, body, "breakers")
}

func TestHealthReportsBreakers(t *testing.T) {
	_, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())

	resp := doRequest(r, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Status   string `json:"status"`
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "healthy", body.Status)
	require.Len(t, body.Breakers, 2)
	require.Equal(t, "closed", body.Breakers[0].State)
}

func TestExpiredSessionRejected(t *testing.T) {
	srv, r := newTestServer(t, &stubUpstream{}, testLimiterConfig())
	require.NoError(t, srv.db.Create(&Session{
		Token:     "tok-old",
		UserID:    "u9",
		ExpiresAt: time.Now().Add(-time.Minute),
	}).Error)

	resp := doJSON(r, http.MethodPost, "/api/votes", "tok-old", gin.H{"song_id": "s1", "value": 1})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}
