// Package redispub publishes job events on Redis pub/sub channels.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher issues PUBLISH on the given channel with a JSON body.
type Publisher struct {
	client *redis.Client
}

// New wraps a connected client.
func New(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish encodes payload and publishes it. Redis has no message ids, so a
// random id is returned for log correlation.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return uuid.NewString(), nil
}
