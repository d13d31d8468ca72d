package rtms

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// MsgType is the provider's numeric message discriminant (msg_type).
type MsgType int

// Provider-defined message codes. These values are fixed by the RTMS protocol.
const (
	MsgSignalingHandshakeReq  MsgType = 1
	MsgSignalingHandshakeResp MsgType = 2
	MsgDataHandshakeReq       MsgType = 3
	MsgDataHandshakeResp      MsgType = 4
	MsgLegacyFramed           MsgType = 5
	MsgClientReadyAck         MsgType = 7
	MsgKeepAliveReq           MsgType = 12
	MsgKeepAliveResp          MsgType = 13
	MsgMediaTranscript        MsgType = 17
)

const (
	// ProtocolVersion is sent in both handshake requests.
	ProtocolVersion = 1
	// StatusOK is the handshake status_code for success.
	StatusOK = 0
	// MediaTypeTranscript requests the transcript stream on the media channel.
	MediaTypeTranscript = 8
	// UnknownSpeaker is used when a transcript carries no speaker name.
	UnknownSpeaker = "Unknown"
)

// TranscriptEvent is one decoded transcript line. It is an immutable value.
type TranscriptEvent struct {
	MeetingID string    `json:"meetingId"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the decoded form of any inbound provider message.
// Fields that a given msg_type does not carry stay zero.
type Envelope struct {
	MsgType     MsgType         `json:"msg_type"`
	StatusCode  *int            `json:"status_code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
	MediaServer *MediaServer    `json:"media_server,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// MediaServer is the media address block of a signaling handshake response.
type MediaServer struct {
	ServerURLs map[string]string `json:"server_urls"`
}

// Succeeded reports whether a handshake response carries StatusOK.
// A missing status_code is treated as failure.
func (e Envelope) Succeeded() bool {
	return e.StatusCode != nil && *e.StatusCode == StatusOK
}

// Status returns the status_code, or -1 when absent.
func (e Envelope) Status() int {
	if e.StatusCode == nil {
		return -1
	}
	return *e.StatusCode
}

// MediaURL picks the media address out of a signaling handshake response,
// preferring a transcript-specific URL over the combined one.
func (e Envelope) MediaURL() string {
	if e.MediaServer == nil {
		return ""
	}
	for _, key := range []string{"transcript", "all"} {
		if u := strings.TrimSpace(e.MediaServer.ServerURLs[key]); u != "" {
			return u
		}
	}
	for _, u := range e.MediaServer.ServerURLs {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

// Decode parses one provider message. A non-nil error means the payload is
// not a JSON object and must be treated as opaque binary media.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type signalingHandshake struct {
	MsgType         MsgType `json:"msg_type"`
	ProtocolVersion int     `json:"protocol_version"`
	MeetingUUID     string  `json:"meeting_uuid"`
	RTMSStreamID    string  `json:"rtms_stream_id"`
	Sequence        int64   `json:"sequence"`
	Signature       string  `json:"signature"`
}

type dataHandshake struct {
	MsgType           MsgType `json:"msg_type"`
	ProtocolVersion   int     `json:"protocol_version"`
	MeetingUUID       string  `json:"meeting_uuid"`
	RTMSStreamID      string  `json:"rtms_stream_id"`
	Signature         string  `json:"signature"`
	MediaType         int     `json:"media_type"`
	PayloadEncryption bool    `json:"payload_encryption"`
}

type clientReadyAck struct {
	MsgType      MsgType `json:"msg_type"`
	RTMSStreamID string  `json:"rtms_stream_id"`
}

type keepAliveResp struct {
	MsgType   MsgType         `json:"msg_type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// EncodeSignalingHandshake builds the msg_type 1 request.
func EncodeSignalingHandshake(meetingID, streamID, signature string, sequence int64) ([]byte, error) {
	return json.Marshal(signalingHandshake{
		MsgType:         MsgSignalingHandshakeReq,
		ProtocolVersion: ProtocolVersion,
		MeetingUUID:     meetingID,
		RTMSStreamID:    streamID,
		Sequence:        sequence,
		Signature:       signature,
	})
}

// EncodeDataHandshake builds the msg_type 3 request for the transcript stream, encryption off.
func EncodeDataHandshake(meetingID, streamID, signature string) ([]byte, error) {
	return json.Marshal(dataHandshake{
		MsgType:           MsgDataHandshakeReq,
		ProtocolVersion:   ProtocolVersion,
		MeetingUUID:       meetingID,
		RTMSStreamID:      streamID,
		Signature:         signature,
		MediaType:         MediaTypeTranscript,
		PayloadEncryption: false,
	})
}

// EncodeClientReady builds the msg_type 7 acknowledgment sent on the signaling socket.
func EncodeClientReady(streamID string) ([]byte, error) {
	return json.Marshal(clientReadyAck{MsgType: MsgClientReadyAck, RTMSStreamID: streamID})
}

// EncodeKeepAliveResponse echoes the request timestamp byte for byte.
func EncodeKeepAliveResponse(timestamp json.RawMessage) ([]byte, error) {
	if len(timestamp) == 0 {
		timestamp = json.RawMessage("null")
	}
	return json.Marshal(keepAliveResp{MsgType: MsgKeepAliveResp, Timestamp: timestamp})
}

type transcriptContent struct {
	UserName string `json:"user_name"`
	Speaker  string `json:"speaker"`
	Data     string `json:"data"`
	Text     string `json:"text"`
}

func (c transcriptContent) speaker() string {
	if s := strings.TrimSpace(c.UserName); s != "" {
		return s
	}
	if s := strings.TrimSpace(c.Speaker); s != "" {
		return s
	}
	return UnknownSpeaker
}

func (c transcriptContent) text() string {
	if c.Data != "" {
		return c.Data
	}
	return c.Text
}

// DecodeTranscript extracts speaker and text from a msg_type 17 content block.
func DecodeTranscript(content json.RawMessage) (speaker, text string, ok bool) {
	var c transcriptContent
	if err := json.Unmarshal(content, &c); err != nil {
		return "", "", false
	}
	return c.speaker(), c.text(), true
}

// DecodeLegacyTranscript handles msg_type 5, whose content is a JSON document,
// sometimes double-encoded as a JSON string. It only yields a transcript when
// the document has a "transcript" field.
func DecodeLegacyTranscript(content json.RawMessage) (speaker, text string, ok bool) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return "", "", false
	}
	if content[0] == '"' {
		var inner string
		if err := json.Unmarshal(content, &inner); err != nil {
			return "", "", false
		}
		content = json.RawMessage(inner)
	}
	var framed struct {
		Transcript json.RawMessage `json:"transcript"`
	}
	if err := json.Unmarshal(content, &framed); err != nil || len(framed.Transcript) == 0 || string(framed.Transcript) == "null" {
		return "", "", false
	}
	// The transcript field is either a plain string or an object with speaker fields.
	var plain string
	if err := json.Unmarshal(framed.Transcript, &plain); err == nil {
		var c transcriptContent
		_ = json.Unmarshal(content, &c)
		return c.speaker(), plain, true
	}
	return DecodeTranscript(framed.Transcript)
}
