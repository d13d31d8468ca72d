package sessions

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/models"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
	"github.com/aura-webinar/rtms-relay/pkg/response"
)

// SessionController is the part of the session registry the API drives.
type SessionController interface {
	StartSession(meetingID, streamID, serverURL string) error
	StopSession(meetingID string) bool
	Sessions() []rtms.SessionInfo
}

// ViewerCounter reports connected viewers per room.
type ViewerCounter interface {
	ViewerCounts() map[string]int
}

// HistoryReader lists past sessions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]models.RTMSSession, error)
}

// SegmentReader lists archived transcript segments.
type SegmentReader interface {
	ListByMeeting(ctx context.Context, meetingID string, limit int) ([]models.TranscriptSegment, error)
}

// Handler serves /api/sessions. History and segments are optional.
type Handler struct {
	sessions SessionController
	viewers  ViewerCounter
	history  HistoryReader
	segments SegmentReader
	logger   *zap.Logger
}

// NewHandler creates a session admin handler.
func NewHandler(sessions SessionController, viewers ViewerCounter, history HistoryReader, segments SegmentReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, viewers: viewers, history: history, segments: segments, logger: logger}
}

// Register mounts the routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("", h.List)
	g.POST("", h.Start)
	g.DELETE("/:meetingId", h.Stop)
	g.GET("/:meetingId/transcript", h.Transcript)
}

// StartRequest is the body of POST /api/sessions.
type StartRequest struct {
	MeetingID string `json:"meetingId" binding:"required"`
	StreamID  string `json:"streamId" binding:"required"`
	ServerURL string `json:"serverUrl" binding:"required"`
}

// List handles GET /api/sessions.
func (h *Handler) List(c *gin.Context) {
	active := h.sessions.Sessions()
	out := gin.H{"sessions": active, "count": len(active)}
	if h.viewers != nil {
		out["viewers"] = h.viewers.ViewerCounts()
	}
	if h.history != nil {
		limit := queryInt(c, "limit", 20)
		recent, err := h.history.Recent(c.Request.Context(), limit)
		if err != nil {
			h.logger.Error("list session history failed", zap.Error(err))
			response.Internal(c, "failed to list session history")
			return
		}
		out["history"] = recent
	}
	response.OK(c, out)
}

// Start handles POST /api/sessions.
func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "meetingId, streamId and serverUrl are required")
		return
	}
	err := h.sessions.StartSession(req.MeetingID, req.StreamID, req.ServerURL)
	switch {
	case err == nil:
		response.Accepted(c, gin.H{"meetingId": req.MeetingID, "streamId": req.StreamID})
	case errors.Is(err, rtms.ErrInvalidSession):
		response.BadRequest(c, err.Error())
	case errors.Is(err, rtms.ErrRegistryClosed):
		response.ServiceUnavailable(c, "relay is shutting down")
	default:
		h.logger.Error("start session failed", zap.String("meeting_id", req.MeetingID), zap.Error(err))
		response.Internal(c, "failed to start session")
	}
}

// Stop handles DELETE /api/sessions/:meetingId.
func (h *Handler) Stop(c *gin.Context) {
	meetingID := c.Param("meetingId")
	if !h.sessions.StopSession(meetingID) {
		response.NotFound(c, "no active session for meeting")
		return
	}
	response.OK(c, gin.H{"meetingId": meetingID, "stopped": true})
}

// Transcript handles GET /api/sessions/:meetingId/transcript.
func (h *Handler) Transcript(c *gin.Context) {
	if h.segments == nil {
		response.ServiceUnavailable(c, "transcript archive is not configured")
		return
	}
	meetingID := c.Param("meetingId")
	segs, err := h.segments.ListByMeeting(c.Request.Context(), meetingID, queryInt(c, "limit", 0))
	if err != nil {
		h.logger.Error("list transcript failed", zap.String("meeting_id", meetingID), zap.Error(err))
		response.Internal(c, "failed to load transcript")
		return
	}
	if segs == nil {
		segs = []models.TranscriptSegment{}
	}
	response.OK(c, gin.H{"meetingId": meetingID, "segments": segs})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
