package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/rtms"
	"github.com/aura-webinar/rtms-relay/pkg/response"
)

// Zoom event names handled by the receiver.
const (
	EventURLValidation = "endpoint.url_validation"
	EventRTMSStarted   = "meeting.rtms_started"
	EventRTMSStopped   = "meeting.rtms_stopped"
)

const (
	headerSignature = "x-zm-signature"
	headerTimestamp = "x-zm-request-timestamp"
	maxBodyBytes    = 1 << 20
)

// SessionController starts and stops relay sessions.
type SessionController interface {
	StartSession(meetingID, streamID, serverURL string) error
	StopSession(meetingID string) bool
}

// Event is the outer body of a Zoom webhook.
type Event struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

// Payload carries the fields of the events the receiver acts on.
type Payload struct {
	PlainToken   string          `json:"plainToken"`
	MeetingUUID  string          `json:"meeting_uuid"`
	RTMSStreamID string          `json:"rtms_stream_id"`
	ServerURLs   json.RawMessage `json:"server_urls"`
}

// ServerURL returns the signaling address. Zoom sends server_urls either as a
// plain string or as an object of named urls; "all" wins, otherwise the first
// key in order.
func (p Payload) ServerURL() string {
	if len(p.ServerURLs) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.ServerURLs, &s); err == nil {
		return s
	}
	var m map[string]string
	if err := json.Unmarshal(p.ServerURLs, &m); err != nil || len(m) == 0 {
		return ""
	}
	if u := m["all"]; u != "" {
		return u
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return m[keys[0]]
}

// Handler receives Zoom webhooks on POST /webhooks/zoom.
type Handler struct {
	sessions    SessionController
	secretToken string
	logger      *zap.Logger
}

// NewHandler creates a webhook handler. An empty secretToken disables
// signature checks and url validation.
func NewHandler(sessions SessionController, secretToken string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, secretToken: secretToken, logger: logger}
}

// Sign returns hex(HMAC-SHA256(secret, message)).
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// validSignature checks x-zm-signature against "v0:{timestamp}:{body}".
func (h *Handler) validSignature(c *gin.Context, body []byte) bool {
	got := c.GetHeader(headerSignature)
	ts := c.GetHeader(headerTimestamp)
	if got == "" || ts == "" {
		return false
	}
	want := "v0=" + Sign(h.secretToken, "v0:"+ts+":"+string(body))
	return hmac.Equal([]byte(got), []byte(want))
}

// Zoom handles POST /webhooks/zoom.
func (h *Handler) Zoom(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, response.Body{Success: false, Error: "body too large"})
			return
		}
		response.BadRequest(c, "failed to read body")
		return
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		response.BadRequest(c, "invalid json")
		return
	}

	if ev.Event == EventURLValidation {
		h.urlValidation(c, ev.Payload)
		return
	}
	if h.secretToken != "" && !h.validSignature(c, body) {
		h.logger.Warn("webhook signature mismatch", zap.String("event", ev.Event))
		response.Unauthorized(c, "invalid signature")
		return
	}

	switch ev.Event {
	case EventRTMSStarted:
		h.rtmsStarted(c, ev.Payload)
	case EventRTMSStopped:
		h.rtmsStopped(c, ev.Payload)
	default:
		h.logger.Debug("webhook event ignored", zap.String("event", ev.Event))
		response.OK(c, gin.H{"status": "ignored"})
	}
}

// urlValidation answers Zoom's endpoint check with the plain token and its HMAC.
func (h *Handler) urlValidation(c *gin.Context, p Payload) {
	if h.secretToken == "" {
		response.ServiceUnavailable(c, "webhook secret token is not configured")
		return
	}
	if p.PlainToken == "" {
		response.BadRequest(c, "plainToken required")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plainToken":     p.PlainToken,
		"encryptedToken": Sign(h.secretToken, p.PlainToken),
	})
}

func (h *Handler) rtmsStarted(c *gin.Context, p Payload) {
	serverURL := p.ServerURL()
	err := h.sessions.StartSession(p.MeetingUUID, p.RTMSStreamID, serverURL)
	switch {
	case err == nil:
		h.logger.Info("rtms_started webhook processed", zap.String("meeting_id", p.MeetingUUID), zap.String("stream_id", p.RTMSStreamID))
		response.OK(c, gin.H{"status": "started"})
	case errors.Is(err, rtms.ErrInvalidSession):
		response.BadRequest(c, "meeting_uuid, rtms_stream_id and server_urls are required")
	case errors.Is(err, rtms.ErrRegistryClosed):
		response.ServiceUnavailable(c, "relay is shutting down")
	default:
		h.logger.Error("start session from webhook failed", zap.String("meeting_id", p.MeetingUUID), zap.Error(err))
		response.Internal(c, "failed to start session")
	}
}

func (h *Handler) rtmsStopped(c *gin.Context, p Payload) {
	if p.MeetingUUID == "" {
		response.BadRequest(c, "meeting_uuid required")
		return
	}
	if !h.sessions.StopSession(p.MeetingUUID) {
		h.logger.Info("rtms_stopped for unknown meeting", zap.String("meeting_id", p.MeetingUUID))
		response.OK(c, gin.H{"status": "not_found"})
		return
	}
	h.logger.Info("rtms_stopped webhook processed", zap.String("meeting_id", p.MeetingUUID))
	response.OK(c, gin.H{"status": "stopped"})
}
