package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
)

type tokenActionRequest struct {
	UserID   string `json:"user_id"`
	Action   string `json:"action"`
	ScriptID string `json:"script_id"`
	MentorID string `json:"mentor_id"`
	SceneID  string `json:"scene_id"`
}

func (r *tokenActionRequest) validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Action = strings.TrimSpace(r.Action)
	if r.UserID == "" {
		return newValidationError("user_id", "invalid_user_id", "user id is required")
	}
	if r.Action == "" {
		return newValidationError("action", "invalid_action", "action is required")
	}
	if _, ok := ledgerdomain.Cost(ledgerdomain.ActionType(r.Action)); !ok {
		return newValidationError("action", "unknown_action", "unknown action type")
	}
	return nil
}

// CheckBalance is a read-only pre-flight check. The response is advisory:
// the balance can change before a subsequent debit, which re-checks
// atomically.
func (s *Server) CheckBalance(c *gin.Context) {
	var req tokenActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := req.validate(); err != nil {
		AbortWithError(c, err)
		return
	}

	check, err := s.ledgerSvc.ValidateBalance(c.Request.Context(), req.UserID, ledgerdomain.ActionType(req.Action))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, check)
}

// DebitTokens charges the action cost. An insufficient balance is a
// successful response with allowed=false, not an error.
func (s *Server) DebitTokens(c *gin.Context) {
	var req tokenActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := req.validate(); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.ledgerSvc.CheckAndDebit(
		c.Request.Context(),
		req.UserID,
		ledgerdomain.ActionType(req.Action),
		ledgerdomain.Correlation{
			ScriptID: req.ScriptID,
			MentorID: req.MentorID,
			SceneID:  req.SceneID,
		},
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, result)
}
