package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const defaultUsageWindowDays = 30

// GetUsageSummary aggregates a user's token usage over a trailing window
// (window_days query parameter, default 30).
func (s *Server) GetUsageSummary(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user id is required"))
		return
	}

	windowDays := defaultUsageWindowDays
	if raw := strings.TrimSpace(c.Query("window_days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 365 {
			AbortWithError(c, newValidationError("window_days", "invalid_window_days", "window_days must be between 1 and 365"))
			return
		}
		windowDays = parsed
	}

	summary, err := s.usageSvc.Summarize(c.Request.Context(), userID, windowDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
