package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/pkg/response"
)

// IssueRequest is the body for POST /api/tokens.
type IssueRequest struct {
	Subject   string `json:"subject"`
	Role      string `json:"role"` // defaults to viewer
	MeetingID string `json:"meetingId"`
}

// TokenResponse carries a signed token.
type TokenResponse struct {
	Token   string `json:"token"`
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Handler issues tokens for viewers and operators.
type Handler struct {
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{jwt: jwt, logger: logger}
}

// Issue handles POST /api/tokens (admin only).
func (h *Handler) Issue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	switch role {
	case "":
		role = RoleViewer
	case RoleViewer, RoleAdmin:
	default:
		response.BadRequest(c, "invalid role")
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = uuid.New().String()
	}
	token, err := h.jwt.Generate(subject, role, strings.TrimSpace(req.MeetingID))
	if err != nil {
		h.logger.Error("sign token", zap.Error(err))
		response.Internal(c, "failed to sign token")
		return
	}
	response.Created(c, TokenResponse{Token: token, Subject: subject, Role: role})
}
