package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
)

type accountResponse struct {
	UserID           string            `json:"user_id"`
	Balance          int64             `json:"balance"`
	MonthlyAllowance int64             `json:"monthly_allowance"`
	Tier             ledgerdomain.Tier `json:"tier"`
	LastResetDate    time.Time         `json:"last_reset_date"`
}

// GetAccount returns the token account for a user, creating it on the
// free tier if this is the user's first touch.
func (s *Server) GetAccount(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user id is required"))
		return
	}

	account, err := s.ledgerSvc.GetAccount(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, accountResponse{
		UserID:           account.UserID,
		Balance:          account.Balance,
		MonthlyAllowance: account.MonthlyAllowance,
		Tier:             account.Tier,
		LastResetDate:    account.LastResetDate,
	})
}
