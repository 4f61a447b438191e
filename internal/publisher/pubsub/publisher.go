// Package pubsub publishes job events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Attributer lets payloads expose Pub/Sub message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher maps logical channels such as "scrape:results" onto topics.
type Publisher struct {
	client *pubsub.Client
	topics map[string]string

	mu      sync.Mutex
	handles map[string]*pubsub.Topic
}

// New creates a Publisher. topics overrides the topic id used for a channel;
// unmapped channels use TopicID(channel).
func New(client *pubsub.Client, topics map[string]string) *Publisher {
	return &Publisher{client: client, topics: topics, handles: make(map[string]*pubsub.Topic)}
}

// TopicID turns a channel name into a valid topic id.
func TopicID(channel string) string {
	return strings.NewReplacer(":", "-", "/", "-", " ", "-").Replace(channel)
}

func (p *Publisher) topic(channel string) *pubsub.Topic {
	id, ok := p.topics[channel]
	if !ok {
		id = TopicID(channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.handles[id]
	if !ok {
		t = p.client.Topic(id)
		p.handles[id] = t
	}
	return t
}

// Publish marshals the payload to JSON and waits for the server id.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"channel": channel}}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			msg.Attributes[k] = v
		}
	}

	id, err := p.topic(channel).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", channel, err)
	}
	return id, nil
}

// Close flushes pending publishes and stops every topic handle.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.handles {
		t.Stop()
		delete(p.handles, id)
	}
	return nil
}
