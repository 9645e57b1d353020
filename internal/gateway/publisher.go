package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/ingest"
)

const eventsChannel = "vitrine.gateway.uploads"

// envelope is the JSON structure published to the gateway events channel. Product scopes delivery to the clients
// subscribed to that product.
type envelope struct {
	Product string          `json:"p"`
	Type    string          `json:"t"`
	Data    json.RawMessage `json:"d"`
}

// Publisher serialises upload events and publishes them to a Valkey pub/sub channel, so every gateway instance can
// forward them to its own subscribers.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new gateway event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger.With().Str("component", "gateway-publisher").Logger()}
}

// Publish serialises the event as JSON and publishes it to the gateway events channel for the given product.
func (p *Publisher) Publish(ctx context.Context, productID string, ev ingest.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal upload event: %w", err)
	}
	payload, err := json.Marshal(envelope{Product: productID, Type: string(ev.Kind), Data: data})
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}
	if err := p.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish gateway event: %w", err)
	}
	return nil
}

// Listener returns an event callback that publishes every event for productID. Publish failures are logged and never
// interrupt the upload that produced the event.
func (p *Publisher) Listener(ctx context.Context, productID string) func(ingest.Event) {
	return func(ev ingest.Event) {
		if err := p.Publish(ctx, productID, ev); err != nil {
			p.log.Warn().Err(err).Str("product_id", productID).Str("event", string(ev.Kind)).
				Msg("Failed to publish upload event")
		}
	}
}
