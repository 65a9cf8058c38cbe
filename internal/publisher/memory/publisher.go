// Package memory contains an in-memory publisher for development runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns the recorded publishes, optionally limited to topic.
func (p *Publisher) Messages(topic ...string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, 0, len(p.messages))
	for _, m := range p.messages {
		if len(topic) > 0 && m.Topic != topic[0] {
			continue
		}
		out = append(out, m)
	}
	return out
}
