// Package redis keeps the crawl state document in a single Redis key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

// DefaultPrefix namespaces state keys.
const DefaultPrefix = "crawlstate"

const pingTimeout = 5 * time.Second

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Crawl    string
	// TTL expires an untouched document; zero keeps it forever.
	TTL time.Duration
}

// StateStore implements crawlstate.Backend with GET and SET on one key.
type StateStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewClient dials Redis and verifies the connection.
func NewClient(cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps client as a state backend for cfg.Crawl.
func New(client redis.UniversalClient, cfg Config) (*StateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(cfg.Crawl) == "" {
		return nil, fmt.Errorf("crawl name is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &StateStore{
		client: client,
		key:    prefix + ":" + cfg.Crawl,
		ttl:    cfg.TTL,
	}, nil
}

// Key returns the Redis key holding the document.
func (s *StateStore) Key() string {
	return s.key
}

// Load fetches the document.
func (s *StateStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, crawlstate.ErrNoState
		}
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return data, nil
}

// Save overwrites the document.
func (s *StateStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Close releases the client.
func (s *StateStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
