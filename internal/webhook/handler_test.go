package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/rtms-relay/internal/rtms"
)

type startCall struct{ meetingID, streamID, serverURL string }

type fakeSessions struct {
	starts  []startCall
	stops   []string
	known   map[string]bool
	startFn func(meetingID, streamID, serverURL string) error
}

func (f *fakeSessions) StartSession(meetingID, streamID, serverURL string) error {
	if f.startFn != nil {
		if err := f.startFn(meetingID, streamID, serverURL); err != nil {
			return err
		}
	}
	f.starts = append(f.starts, startCall{meetingID, streamID, serverURL})
	return nil
}

func (f *fakeSessions) StopSession(meetingID string) bool {
	f.stops = append(f.stops, meetingID)
	return f.known[meetingID]
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/zoom", h.Zoom)
	return r
}

func post(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/zoom", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func signed(secret, ts, body string) map[string]string {
	return map[string]string{
		"x-zm-request-timestamp": ts,
		"x-zm-signature":         "v0=" + Sign(secret, "v0:"+ts+":"+body),
	}
}

func TestSignKnownVectors(t *testing.T) {
	assert.Equal(t, "a3dc275fb1fd935bd8752c32dea4378279d055b1bce5b54cd9caf6f7e73b2ae5", Sign("whsecret", "plain123"))
	body := `{"event":"meeting.rtms_stopped","payload":{"meeting_uuid":"m1"}}`
	assert.Equal(t, "4a3f21275f6b51d055404aa4fd4a0ae0e597c2b85616ccf85e52bfd4aba41b7e", Sign("whsecret", "v0:1700000000:"+body))
}

func TestURLValidation(t *testing.T) {
	r := newRouter(NewHandler(&fakeSessions{}, "whsecret", nil))

	w := post(r, `{"event":"endpoint.url_validation","payload":{"plainToken":"plain123"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "plain123", got["plainToken"])
	assert.Equal(t, "a3dc275fb1fd935bd8752c32dea4378279d055b1bce5b54cd9caf6f7e73b2ae5", got["encryptedToken"])
}

func TestURLValidationWithoutSecret(t *testing.T) {
	r := newRouter(NewHandler(&fakeSessions{}, "", nil))
	w := post(r, `{"event":"endpoint.url_validation","payload":{"plainToken":"plain123"}}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRTMSStartedStartsSession(t *testing.T) {
	sessions := &fakeSessions{}
	r := newRouter(NewHandler(sessions, "whsecret", nil))
	body := `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m1","rtms_stream_id":"s1","server_urls":"wss://sig.example"}}`

	w := post(r, body, signed("whsecret", "1700000000", body))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sessions.starts, 1)
	assert.Equal(t, startCall{"m1", "s1", "wss://sig.example"}, sessions.starts[0])
}

func TestRTMSStoppedStopsSession(t *testing.T) {
	sessions := &fakeSessions{known: map[string]bool{"m1": true}}
	r := newRouter(NewHandler(sessions, "whsecret", nil))
	body := `{"event":"meeting.rtms_stopped","payload":{"meeting_uuid":"m1"}}`
	headers := map[string]string{
		"x-zm-request-timestamp": "1700000000",
		"x-zm-signature":         "v0=4a3f21275f6b51d055404aa4fd4a0ae0e597c2b85616ccf85e52bfd4aba41b7e",
	}

	w := post(r, body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"m1"}, sessions.stops)
	assert.Contains(t, w.Body.String(), `"stopped"`)
}

func TestSignatureMismatchRejected(t *testing.T) {
	sessions := &fakeSessions{}
	r := newRouter(NewHandler(sessions, "whsecret", nil))
	body := `{"event":"meeting.rtms_stopped","payload":{"meeting_uuid":"m1"}}`

	w := post(r, body, signed("other-secret", "1700000000", body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = post(r, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, sessions.stops)
}

func TestNoSecretSkipsSignatureCheck(t *testing.T) {
	sessions := &fakeSessions{}
	r := newRouter(NewHandler(sessions, "", nil))
	w := post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m1","rtms_stream_id":"s1","server_urls":{"all":"wss://a","audio":"wss://b"}}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sessions.starts, 1)
	assert.Equal(t, "wss://a", sessions.starts[0].serverURL)
}

func TestStartErrorsMapToStatus(t *testing.T) {
	sessions := &fakeSessions{startFn: func(_, _, _ string) error { return rtms.ErrInvalidSession }}
	r := newRouter(NewHandler(sessions, "", nil))
	w := post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m1"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	sessions.startFn = func(_, _, _ string) error { return rtms.ErrRegistryClosed }
	w = post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m1","rtms_stream_id":"s1","server_urls":"wss://x"}}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOtherEventsIgnored(t *testing.T) {
	sessions := &fakeSessions{}
	r := newRouter(NewHandler(sessions, "", nil))
	w := post(r, `{"event":"meeting.participant_joined","payload":{}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	assert.Empty(t, sessions.starts)
}

func TestInvalidJSON(t *testing.T) {
	r := newRouter(NewHandler(&fakeSessions{}, "", nil))
	assert.Equal(t, http.StatusBadRequest, post(r, `{`, nil).Code)
}

func TestServerURLForms(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"wss://one"`, "wss://one"},
		{`{"all":"wss://all","video":"wss://v"}`, "wss://all"},
		{`{"video":"wss://v","audio":"wss://a"}`, "wss://a"},
		{`{}`, ""},
		{``, ""},
		{`42`, ""},
	}
	for _, tt := range tests {
		p := Payload{ServerURLs: json.RawMessage(tt.raw)}
		assert.Equal(t, tt.want, p.ServerURL(), tt.raw)
	}
}
