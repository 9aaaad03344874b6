package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"spot-trading-engine/internal/auth"
)

const defaultListLimit = 50

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	httpStatus := http.StatusOK

	if err := s.store.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.authEnabled {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "authentication is disabled"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	hash, err := s.store.GetUserPasswordHash(c.Request.Context(), req.Username)
	if err != nil || !auth.VerifyPassword(req.Password, hash) {
		// Same answer for unknown user and bad password
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.jwtManager.GenerateAccessToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.jwtManager.GetAccessTokenDuration(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetStats(c.Request.Context()))
}

func (s *Server) handlePositions(c *gin.Context) {
	ctx := c.Request.Context()

	if c.Query("scope") == "history" {
		positions, err := s.store.GetRecentPositions(ctx, queryLimit(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"positions": positions})
		return
	}

	positions, err := s.store.GetOpenPositions(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleTrades(c *gin.Context) {
	trades, err := s.store.GetRecentTrades(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRiskState(c *gin.Context) {
	rs, err := s.store.GetOrCreateRiskState(c.Request.Context(), time.Now().UTC(), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (s *Server) handleUpcomingEvents(c *gin.Context) {
	evts, err := s.store.GetUpcomingEvents(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

// handleResumeTrading clears a tripped circuit breaker after the operator
// reviewed the drawdown.
func (s *Server) handleResumeTrading(c *gin.Context) {
	if err := s.engine.ResumeTrading(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	positionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position id"})
		return
	}

	if err := s.engine.ClosePosition(c.Request.Context(), positionID, "MANUAL"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closing", "position_id": positionID})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", ""))
	if err != nil || limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
