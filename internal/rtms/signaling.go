package rtms

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SignalingState is the state of a SignalingChannel.
type SignalingState int32

const (
	SignalingConnecting SignalingState = iota
	SignalingAwaitingAck
	SignalingReady
	SignalingClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingConnecting:
		return "connecting"
	case SignalingAwaitingAck:
		return "awaiting_handshake_ack"
	case SignalingReady:
		return "ready"
	case SignalingClosed:
		return "closed"
	}
	return "unknown"
}

// ErrNotReady is returned by SendClientReady before the signaling handshake completed.
var ErrNotReady = errors.New("rtms: signaling channel not ready")

// channelParams are the identifiers and credentials both channels put in their handshakes.
type channelParams struct {
	MeetingID string
	StreamID  string
	Signature string
}

// SignalingChannel is the first of the two chained provider sockets. It
// negotiates the media address and carries the client-ready acknowledgment.
type SignalingChannel struct {
	conn   *wsConn
	params channelParams
	state  atomic.Int32
	logger *zap.Logger
}

func newSignalingChannel(conn *websocket.Conn, params channelParams, cfg Config, logger *zap.Logger) *SignalingChannel {
	return &SignalingChannel{
		conn:   newWSConn(conn, cfg.WriteTimeout),
		params: params,
		logger: logger.With(zap.String("channel", "signaling")),
	}
}

// State returns the current state.
func (c *SignalingChannel) State() SignalingState {
	return SignalingState(c.state.Load())
}

// setState never leaves Closed.
func (c *SignalingChannel) setState(s SignalingState) {
	for {
		prev := SignalingState(c.state.Load())
		if prev == s || prev == SignalingClosed {
			return
		}
		if c.state.CompareAndSwap(int32(prev), int32(s)) {
			c.logger.Debug("signaling state", zap.Stringer("from", prev), zap.Stringer("to", s))
			return
		}
	}
}

// Close closes the socket and moves the channel to Closed. Safe to call repeatedly.
func (c *SignalingChannel) Close() {
	c.setState(SignalingClosed)
	c.conn.close()
}

// SendClientReady writes the client-ready acknowledgment. The media channel
// calls this after its own handshake succeeds.
func (c *SignalingChannel) SendClientReady() error {
	if c.State() != SignalingReady {
		return ErrNotReady
	}
	msg, err := EncodeClientReady(c.params.StreamID)
	if err != nil {
		return err
	}
	if err := c.conn.write(msg); err != nil {
		return fmt.Errorf("send client ready: %w", err)
	}
	return nil
}

// Run sends the handshake request and runs the receive loop until the socket
// closes or ctx is cancelled. onReady is invoked at most once, from the loop,
// with the media address from a successful acknowledgment.
func (c *SignalingChannel) Run(ctx context.Context, onReady func(mediaURL string)) error {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()
	defer c.Close()

	req, err := EncodeSignalingHandshake(c.params.MeetingID, c.params.StreamID, c.params.Signature, rand.Int63n(1<<31))
	if err != nil {
		return err
	}
	if err := c.conn.write(req); err != nil {
		return fmt.Errorf("send signaling handshake: %w", err)
	}
	c.setState(SignalingAwaitingAck)

	for {
		data, err := c.conn.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("signaling read: %w", err)
		}
		env, err := Decode(data)
		if err != nil {
			c.logger.Debug("signaling: dropped non-json message", zap.Int("bytes", len(data)))
			continue
		}

		switch env.MsgType {
		case MsgKeepAliveReq:
			echoKeepAlive(c.conn, env, c.logger)
		case MsgSignalingHandshakeResp:
			if c.State() != SignalingAwaitingAck {
				c.logger.Debug("signaling: duplicate handshake response ignored")
				continue
			}
			if !env.Succeeded() {
				return &HandshakeError{Stage: "signaling", StatusCode: env.Status(), Reason: env.Reason}
			}
			mediaURL := env.MediaURL()
			if mediaURL == "" {
				return ErrMissingMediaURL
			}
			c.setState(SignalingReady)
			c.logger.Info("signaling handshake complete", zap.String("media_url", mediaURL))
			if onReady != nil {
				onReady(mediaURL)
			}
		default:
			c.logger.Debug("signaling: message ignored", zap.Int("msg_type", int(env.MsgType)))
		}
	}
}

// echoKeepAlive answers a keep-alive request on the socket it arrived on.
// It never changes channel state.
func echoKeepAlive(conn *wsConn, env Envelope, logger *zap.Logger) {
	resp, err := EncodeKeepAliveResponse(env.Timestamp)
	if err != nil {
		logger.Warn("keep-alive encode failed", zap.Error(err))
		return
	}
	if err := conn.write(resp); err != nil {
		logger.Warn("keep-alive response failed", zap.Error(err))
	}
}
