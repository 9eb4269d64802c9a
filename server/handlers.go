package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/idkfknowatall/oadro-api/pkg/breaker"
	"github.com/idkfknowatall/oadro-api/pkg/radio"
)

func (s *Server) handleNowPlaying(c *gin.Context) {
	var np *radio.NowPlaying
	err := s.npBreaker.Execute(c.Request.Context(), func(ctx context.Context) error {
		fresh, err := s.upstream.NowPlaying(ctx)
		if err == nil {
			np = fresh
		}
		return err
	})
	if err == nil {
		s.cacheNowPlaying(np)
		c.JSON(http.StatusOK, np)
		return
	}

	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		c.Header(headerRetryAfter, strconv.Itoa(ceilSeconds(openErr.RetryAfter)))
		if stale := s.cachedNowPlaying(); stale != nil {
			c.Header("X-Radio-Stale", "true")
			c.JSON(http.StatusOK, stale)
			return
		}
		respondError(c, http.StatusServiceUnavailable, "stream_unavailable", "stream metadata temporarily unavailable", s.logger)
		return
	}

	npLogger := requestLogger(c, s.logger)
	npLogger.Error().Err(err).Msg("now playing fetch failed")
	if stale := s.cachedNowPlaying(); stale != nil {
		c.Header("X-Radio-Stale", "true")
		c.JSON(http.StatusOK, stale)
		return
	}
	respondError(c, http.StatusBadGateway, "upstream_error", "failed to reach streaming server", s.logger)
}

func (s *Server) handleSubmitRequest(c *gin.Context) {
	var req struct {
		SongID string `json:"song_id" binding:"required"`
		Title  string `json:"title"`
		Artist string `json:"artist"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err.Error(), s.logger)
		return
	}
	userID := currentUser(c)

	if d := s.limiter.CheckUserAction(c.Request.Context(), userID); !d.Allowed {
		setQuotaHeaders(c, d)
		s.rejectLimited(c, d)
		return
	}

	err := s.reqBreaker.Execute(c.Request.Context(), func(ctx context.Context) error {
		return s.upstream.SubmitRequest(ctx, req.SongID)
	})
	if err != nil {
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			c.Header(headerRetryAfter, strconv.Itoa(ceilSeconds(openErr.RetryAfter)))
			respondError(c, http.StatusServiceUnavailable, "requests_unavailable", "song requests are temporarily unavailable", s.logger)
			return
		}
		submitLogger := requestLogger(c, s.logger)
		submitLogger.Error().Err(err).Str("song_id", req.SongID).Msg("request submission failed")
		respondError(c, http.StatusBadGateway, "upstream_error", "failed to submit request to streaming server", s.logger)
		return
	}

	row := SongRequest{
		PublicID: uuid.NewString(),
		SongID:   req.SongID,
		Title:    req.Title,
		Artist:   req.Artist,
		UserID:   userID,
		Status:   "submitted",
	}
	if err := s.db.Create(&row).Error; err != nil {
		// The request already reached the streaming server; record the
		// failure but do not fail the call.
		persistLogger := requestLogger(c, s.logger)
		persistLogger.Error().Err(err).Msg("failed to persist song request")
	}

	c.JSON(http.StatusCreated, row)
}

func (s *Server) handleListRequests(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	var rows []SongRequest
	if err := s.db.Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "storage_error", "failed to list requests", s.logger)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleVote(c *gin.Context) {
	var req struct {
		SongID string `json:"song_id" binding:"required"`
		Value  int    `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err.Error(), s.logger)
		return
	}
	if req.Value != 1 && req.Value != -1 {
		respondError(c, http.StatusBadRequest, "bad_request", "value must be 1 or -1", s.logger)
		return
	}
	userID := currentUser(c)

	if d := s.limiter.CheckUserAction(c.Request.Context(), userID); !d.Allowed {
		setQuotaHeaders(c, d)
		s.rejectLimited(c, d)
		return
	}
	if d := s.limiter.CheckResourceCooldown(c.Request.Context(), userID, "vote:"+req.SongID); !d.Allowed {
		s.rejectLimited(c, d)
		return
	}

	vote := Vote{UserID: userID, SongID: req.SongID, Value: req.Value}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "song_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&vote).Error
	if err != nil {
		respondError(c, http.StatusInternalServerError, "storage_error", "failed to record vote", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"song_id": req.SongID, "value": req.Value})
}

func (s *Server) handleReaction(c *gin.Context) {
	var req struct {
		SongID string `json:"song_id" binding:"required"`
		Emoji  string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err.Error(), s.logger)
		return
	}
	userID := currentUser(c)

	if d := s.limiter.CheckUserAction(c.Request.Context(), userID); !d.Allowed {
		setQuotaHeaders(c, d)
		s.rejectLimited(c, d)
		return
	}
	if d := s.limiter.CheckResourceCooldown(c.Request.Context(), userID, "reaction:"+req.SongID); !d.Allowed {
		s.rejectLimited(c, d)
		return
	}

	row := Reaction{UserID: userID, SongID: req.SongID, Emoji: req.Emoji}
	if err := s.db.Create(&row).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "storage_error", "failed to record reaction", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"song_id": req.SongID, "emoji": req.Emoji})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": Version,
		"breakers": []breaker.Snapshot{
			s.npBreaker.Snapshot(),
			s.reqBreaker.Snapshot(),
		},
		"rate_limit": s.limiter.Stats(c.Request.Context()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	var votes, reactions, requests int64
	s.db.Model(&Vote{}).Count(&votes)
	s.db.Model(&Reaction{}).Count(&reactions)
	s.db.Model(&SongRequest{}).Count(&requests)

	c.JSON(http.StatusOK, gin.H{
		"rate_limit": s.limiter.Stats(c.Request.Context()),
		"breakers": []breaker.Snapshot{
			s.npBreaker.Snapshot(),
			s.reqBreaker.Snapshot(),
		},
		"votes":     votes,
		"reactions": reactions,
		"requests":  requests,
	})
}

func (s *Server) cacheNowPlaying(np *radio.NowPlaying) {
	s.npMu.Lock()
	s.npSnapshot = np
	s.npMu.Unlock()
}

func (s *Server) cachedNowPlaying() *radio.NowPlaying {
	s.npMu.RLock()
	defer s.npMu.RUnlock()
	return s.npSnapshot
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
