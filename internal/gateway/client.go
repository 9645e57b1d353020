package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// identifyTimeout is how long a client has to send Identify after connecting.
	identifyTimeout = 30 * time.Second
)

// Client represents a single WebSocket connection following the uploads of one product. Each client runs two
// goroutines (readPump and writePump) and communicates with the Hub via its send channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// Identity state, written once by Identify and read by the Hub during dispatch.
	mu         sync.RWMutex
	userID     uuid.UUID
	productID  string
	identified bool
	seq        atomic.Int64

	// sendMu guards send against writes after closeSend.
	sendMu sync.Mutex
	closed bool

	// Rate limiting state (only accessed from readPump, no mutex needed).
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, productID string, logger zerolog.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		log:       logger,
		productID: productID,
	}
}

// UserID returns the authenticated user ID, or uuid.Nil before Identify.
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// ProductID returns the product whose uploads this client follows.
func (c *Client) ProductID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.productID
}

// IsIdentified returns whether the client has completed authentication.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

func (c *Client) identify(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.identified = true
}

// nextSeq increments and returns the next sequence number for a dispatch event.
func (c *Client) nextSeq() int64 {
	return c.seq.Add(1)
}

// readPump reads messages from the WebSocket connection and routes them by opcode. It runs on the connection's
// goroutine and is responsible for closing the connection when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := time.Duration(c.hub.cfg.GatewayHeartbeatIntervalMS) * time.Millisecond
	c.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval before timing out, so a single missed heartbeat does not
	// immediately sever the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	identifyTimer := time.AfterFunc(identifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("Client did not identify in time")
			c.closeWithCode(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Op {
		case OpHeartbeat:
			c.handleHeartbeat(heartbeatInterval)
		case OpIdentify:
			identifyTimer.Stop()
			if !c.handleIdentify(frame.Data) {
				return
			}
		default:
			c.closeWithCode(CloseUnknownOpcode, "unknown opcode")
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It exits when the send channel is
// closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// handleHeartbeat responds with a HeartbeatACK and resets the read deadline.
func (c *Client) handleHeartbeat(heartbeatInterval time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build heartbeat ACK")
		return
	}
	c.enqueue(ack)
}

// handleIdentify processes an op 2 Identify payload. It returns false when the connection has been closed.
func (c *Client) handleIdentify(data json.RawMessage) bool {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return false
	}

	var id IdentifyData
	if err := json.Unmarshal(data, &id); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid identify payload")
		return false
	}

	if id.Token == "" {
		c.closeWithCode(CloseAuthFailed, "token required")
		return false
	}
	return c.hub.handleIdentify(c, id)
}

// enqueue sends a message to the client's write channel. If the channel is full, the message is dropped and the
// connection is closed to prevent backpressure from stalling the Hub. Messages for a closed client are discarded.
func (c *Client) enqueue(msg []byte) {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
		return
	default:
	}
	c.sendMu.Unlock()

	c.log.Warn().Msg("Client send buffer full, closing connection")
	c.hub.unregister(c)
	_ = c.conn.Close()
}

// closeSend closes the send channel exactly once, which stops writePump.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited returns true if the client has exceeded the configured message rate limit.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitWSCount
}
