package rtms

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MediaState is the state of a MediaChannel.
type MediaState int32

const (
	MediaConnecting MediaState = iota
	MediaAwaitingAck
	MediaStreaming
	MediaClosed
)

func (s MediaState) String() string {
	switch s {
	case MediaConnecting:
		return "connecting"
	case MediaAwaitingAck:
		return "awaiting_handshake_ack"
	case MediaStreaming:
		return "streaming"
	case MediaClosed:
		return "closed"
	}
	return "unknown"
}

// ReadyAcker confirms media readiness. The provider expects the client-ready
// acknowledgment on the signaling socket, not on the media socket.
type ReadyAcker interface {
	SendClientReady() error
}

// PayloadDecoder transforms a content block before it is decoded, e.g. to
// decrypt it. Handshakes request payload_encryption=false, so the default is
// the identity.
type PayloadDecoder func(content json.RawMessage) (json.RawMessage, error)

// MediaChannel is the second provider socket; it carries the transcript payload.
type MediaChannel struct {
	conn   *wsConn
	params channelParams
	state  atomic.Int32
	acker  ReadyAcker
	emit   func(TranscriptEvent)
	decode PayloadDecoder
	now    func() time.Time
	logger *zap.Logger
}

func newMediaChannel(conn *websocket.Conn, params channelParams, cfg Config, acker ReadyAcker, emit func(TranscriptEvent), logger *zap.Logger) *MediaChannel {
	return &MediaChannel{
		conn:   newWSConn(conn, cfg.WriteTimeout),
		params: params,
		acker:  acker,
		emit:   emit,
		decode: cfg.PayloadDecoder,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("channel", "media")),
	}
}

// State returns the current state.
func (c *MediaChannel) State() MediaState {
	return MediaState(c.state.Load())
}

// setState never leaves Closed.
func (c *MediaChannel) setState(s MediaState) {
	for {
		prev := MediaState(c.state.Load())
		if prev == s || prev == MediaClosed {
			return
		}
		if c.state.CompareAndSwap(int32(prev), int32(s)) {
			c.logger.Debug("media state", zap.Stringer("from", prev), zap.Stringer("to", s))
			return
		}
	}
}

// Close closes the socket and moves the channel to Closed. Safe to call repeatedly.
func (c *MediaChannel) Close() {
	c.setState(MediaClosed)
	c.conn.close()
}

// Run sends the data handshake and runs the receive loop until the socket
// closes or ctx is cancelled. onStreaming is invoked once the handshake is
// acknowledged and client-ready has been sent on the signaling socket.
// Transcript events are emitted synchronously, in wire order.
func (c *MediaChannel) Run(ctx context.Context, onStreaming func()) error {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()
	defer c.Close()

	req, err := EncodeDataHandshake(c.params.MeetingID, c.params.StreamID, c.params.Signature)
	if err != nil {
		return err
	}
	if err := c.conn.write(req); err != nil {
		return fmt.Errorf("send data handshake: %w", err)
	}
	c.setState(MediaAwaitingAck)

	for {
		data, err := c.conn.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("media read: %w", err)
		}
		env, err := Decode(data)
		if err != nil {
			// Audio/video frames and anything else that is not JSON.
			continue
		}

		if env.MsgType == MsgKeepAliveReq {
			echoKeepAlive(c.conn, env, c.logger)
			continue
		}

		switch c.State() {
		case MediaAwaitingAck:
			if env.MsgType != MsgDataHandshakeResp {
				continue
			}
			if !env.Succeeded() {
				return &HandshakeError{Stage: "media", StatusCode: env.Status(), Reason: env.Reason}
			}
			if err := c.acker.SendClientReady(); err != nil {
				return err
			}
			c.setState(MediaStreaming)
			c.logger.Info("media handshake complete, streaming")
			if onStreaming != nil {
				onStreaming()
			}
		case MediaStreaming:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.handleStreaming(env)
		}
	}
}

func (c *MediaChannel) handleStreaming(env Envelope) {
	var (
		speaker, text string
		ok            bool
	)
	switch env.MsgType {
	case MsgMediaTranscript:
		content, err := c.content(env)
		if err != nil {
			return
		}
		speaker, text, ok = DecodeTranscript(content)
	case MsgLegacyFramed:
		content, err := c.content(env)
		if err != nil {
			return
		}
		speaker, text, ok = DecodeLegacyTranscript(content)
	default:
		return
	}
	if !ok {
		return
	}
	c.emit(TranscriptEvent{
		MeetingID: c.params.MeetingID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: c.now(),
	})
}

func (c *MediaChannel) content(env Envelope) (json.RawMessage, error) {
	if c.decode == nil {
		return env.Content, nil
	}
	out, err := c.decode(env.Content)
	if err != nil {
		c.logger.Debug("media: payload decode failed", zap.Error(err))
		return nil, err
	}
	return out, nil
}
