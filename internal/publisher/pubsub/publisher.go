// Package pubsub announces workbook flushes on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Publisher publishes JSON payloads, resolving topics lazily on the client.
type Publisher struct {
	client *pubsub.Client
	attrs  map[string]string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps client. attrs are attached to every message.
func New(client *pubsub.Client, attrs map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	return &Publisher{
		client: client,
		attrs:  copied,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Publish marshals the payload to JSON and waits for the server message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string, len(p.attrs))}
	for k, v := range p.attrs {
		msg.Attributes[k] = v
	}

	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
