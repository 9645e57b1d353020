package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/auth"
	"github.com/vitrine-shop/vitrine-server/internal/config"
)

// Hub is the WebSocket connection registry for upload progress. Clients subscribe to one product each; the hub
// receives upload events via Valkey pub/sub and forwards them to every client following that product.
type Hub struct {
	products map[string]map[*Client]struct{}
	count    int
	mu       sync.RWMutex
	rdb      *redis.Client
	cfg      *config.Config
	log      zerolog.Logger
}

// NewHub creates a new gateway hub.
func NewHub(rdb *redis.Client, cfg *config.Config, logger zerolog.Logger) *Hub {
	return &Hub{
		products: make(map[string]map[*Client]struct{}),
		rdb:      rdb,
		cfg:      cfg,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to the upload events pub/sub channel and dispatches events to connected clients. It blocks until the
// context is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventsChannel, err)
	}
	h.log.Info().Msg("Gateway hub subscribed to upload events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handlePubSubEvent(msg.Payload)
		}
	}
}

// ServeWebSocket initialises a new client following productID on an upgraded WebSocket connection. It sends the Hello
// frame and runs the client's pumps until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, productID string) {
	if productID == "" {
		h.log.Debug().Err(ErrProductRequired).Msg("Rejecting gateway connection")
		_ = conn.Close()
		return
	}
	client := newClient(h, conn, productID, h.log.With().Str("product_id", productID).Logger())

	hello, err := NewHelloFrame(h.cfg.GatewayHeartbeatIntervalMS)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register adds an identified client to its product's subscriber set.
func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}

	productID := client.ProductID()
	set, ok := h.products[productID]
	if !ok {
		set = make(map[*Client]struct{})
		h.products[productID] = set
	}
	set[client] = struct{}{}
	h.count++

	h.log.Debug().Str("product_id", productID).Int("total", h.count).Msg("Client registered")
	return nil
}

// unregister removes a client from the Hub and stops its write pump. It is safe to call more than once and for
// clients that never identified.
func (h *Hub) unregister(client *Client) {
	defer client.closeSend()

	productID := client.ProductID()

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.products[productID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.products, productID)
	}
	h.count--

	h.log.Debug().Str("product_id", productID).Msg("Client unregistered")
}

// handleIdentify authenticates a client, subscribes it to its product, and sends READY. It returns false
// when the connection has been closed.
func (h *Hub) handleIdentify(client *Client, id IdentifyData) bool {
	claims, err := auth.ValidateAccessToken(id.Token, h.cfg.JWTSecret, h.cfg.JWTIssuer)
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return false
	}
	if !claims.HasScope(auth.ScopeMediaWrite) {
		client.closeWithCode(CloseAuthFailed, "missing scope")
		return false
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return false
	}

	client.identify(userID)

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register client")
		client.closeWithCode(CloseTooManyConnections, "too many connections")
		return false
	}

	productID := client.ProductID()
	readyPayload, err := json.Marshal(ReadyData{ProductID: productID, UserID: userID.String()})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal READY payload")
		return true
	}
	frame, err := NewDispatchFrame(client.nextSeq(), DispatchReady, readyPayload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build READY frame")
		return true
	}
	client.enqueue(frame)

	h.log.Info().Stringer("user_id", userID).Str("product_id", productID).Msg("Client identified")
	return true
}

// handlePubSubEvent decodes an upload event envelope and forwards it to the clients following its product.
func (h *Hub) handlePubSubEvent(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Failed to decode gateway event envelope")
		return
	}
	if env.Product == "" || env.Type == "" {
		h.log.Warn().Msg("Gateway event envelope missing product or type")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.products[env.Product]))
	for c := range h.products[env.Product] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		frame, err := NewDispatchFrame(c.nextSeq(), env.Type, env.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to build dispatch frame")
			continue
		}
		c.enqueue(frame)
	}
}

// Shutdown gracefully closes all active connections. It sends a Reconnect frame to each client and closes the
// underlying WebSocket with a Going Away status.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var clients []*Client
	for _, set := range h.products {
		for client := range set {
			clients = append(clients, client)
		}
	}
	h.products = make(map[string]map[*Client]struct{})
	h.count = 0
	h.mu.Unlock()

	reconnect, _ := NewReconnectFrame()
	for _, client := range clients {
		if reconnect != nil {
			client.enqueue(reconnect)
		}
		client.closeSend()
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = client.conn.Close()
	}
	h.log.Info().Int("clients", len(clients)).Msg("Gateway hub shut down")
}

// ClientCount returns the number of identified clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// SubscriberCount returns the number of clients following productID.
func (h *Hub) SubscriberCount(productID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.products[productID])
}
