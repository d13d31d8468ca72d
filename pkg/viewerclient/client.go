// Package viewerclient is a reference client for the relay's viewer socket.
// It joins a meeting, hands every frame to a callback and reconnects with
// exponential backoff until it runs out of attempts.
package viewerclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-webinar/rtms-relay/internal/realtime"
)

// State is the client's connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// ErrGaveUp is returned by Run after the last reconnect attempt failed.
var ErrGaveUp = errors.New("viewerclient: gave up reconnecting")

// Config configures a viewer client.
type Config struct {
	URL       string // ws://host/ws
	MeetingID string // joined after every connect; empty for broadcast mode
	Token     string // sent as ?token= when set

	InitialInterval time.Duration // default 1s
	MaxInterval     time.Duration // default 30s
	MaxAttempts     uint64        // reconnects before giving up; default 10
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	return c
}

// Client is a reconnecting viewer connection.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	onMessage func(realtime.OutboundMessage)
	onState   func(State)
}

// New creates a viewer client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		dialer: websocket.DefaultDialer,
		logger: logger,
		state:  StateDisconnected,
	}
}

// OnMessage sets the callback for every frame received.
func (c *Client) OnMessage(fn func(realtime.OutboundMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnState sets the callback for state changes.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, c.cfg.MaxAttempts)
}

// Run connects and keeps reconnecting until ctx is done (nil) or the attempts
// are used up (ErrGaveUp). A connection that stayed up for at least
// InitialInterval resets the backoff; one dropped sooner counts as a failure.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()
	c.setState(StateConnecting)
	for {
		uptime, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if uptime >= c.cfg.InitialInterval {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		c.setState(StateReconnecting)
		c.logger.Warn("viewer connection lost, reconnecting", zap.Duration("wait", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// connectOnce runs one connection until it fails and reports how long it
// stayed up; zero means the dial failed.
func (c *Client) connectOnce(ctx context.Context) (uptime time.Duration, err error) {
	target, err := c.dialURL()
	if err != nil {
		return 0, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	connectedAt := time.Now()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.setState(StateConnected)
	c.logger.Info("viewer connected", zap.String("url", c.cfg.URL), zap.String("meeting_id", c.cfg.MeetingID))

	if c.cfg.MeetingID != "" {
		join := realtime.InboundMessage{Type: realtime.TypeJoinMeeting, MeetingID: c.cfg.MeetingID}
		if err := conn.WriteJSON(join); err != nil {
			return time.Since(connectedAt), err
		}
	}

	for {
		var msg realtime.OutboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return time.Since(connectedAt), err
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}
