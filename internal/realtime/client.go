package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are served from any origin
	},
}

// GatewayConfig tunes viewer connections.
type GatewayConfig struct {
	// SendBuffer is the per-viewer outbound queue; a full queue skips events.
	SendBuffer int
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
	// MessageRate limits inbound frames per second per viewer; 0 disables it.
	MessageRate  float64
	MessageBurst int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 65536
	}
	if c.MessageRate > 0 && c.MessageBurst <= 0 {
		c.MessageBurst = int(c.MessageRate) + 1
	}
	return c
}

// TokenValidator checks a viewer's ?token= and returns the viewer id.
type TokenValidator func(token string) (viewerID string, err error)

// Client is a single viewer WebSocket connection.
type Client struct {
	ID          string
	ViewerID    string
	ConnectedAt time.Time
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	stopOnce    sync.Once
	limiter     *rate.Limiter
	logger      *zap.Logger

	room string // guarded by hub.mu
}

func newClient(hub *Hub, conn *websocket.Conn, cfg GatewayConfig, viewerID string, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	c := &Client{
		ID:          id,
		ViewerID:    viewerID,
		ConnectedAt: time.Now(),
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("client_id", id)),
	}
	if cfg.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst)
	}
	return c
}

// ServeWs handles the viewer WebSocket upgrade and runs the client loop.
// validate may be nil to accept anonymous viewers.
func ServeWs(hub *Hub, cfg GatewayConfig, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return func(c *gin.Context) {
		var viewerID string
		if validate != nil {
			token := strings.TrimSpace(c.Query("token"))
			if token == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
				return
			}
			id, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			viewerID = id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(cfg.ReadLimit)

		client := newClient(hub, conn, cfg, viewerID, logger)
		hub.Connect(client)
		go client.writePump()
		client.readPump()
	}
}

// trySend queues data without blocking. It reports false when the viewer is
// gone or its queue is full.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("viewer read ended", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Debug("viewer message rate exceeded, frame dropped")
			continue
		}
		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case TypeJoinMeeting:
			if !c.hub.Join(c, msg.MeetingID) {
				c.logger.Debug("join ignored", zap.String("meeting_id", msg.MeetingID), zap.String("scope", c.hub.Scope().Name()))
			}
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
