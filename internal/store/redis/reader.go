package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tradecopilot/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis audit reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader reads back the audit trail: the per-symbol bar streams and the
// latest-bar keys written by the Writer. Serves the audit inspection endpoint.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// NewReaderFromClient wraps an existing client (used by tests with a mock).
func NewReaderFromClient(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Recent returns up to count audited bars for symbol, newest first.
func (r *Reader) Recent(ctx context.Context, symbol string, count int) ([]model.Bar, error) {
	if count <= 0 {
		count = 50
	}
	msgs, err := r.client.XRevRangeN(ctx, StreamKey(symbol), "+", "-", int64(count)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", StreamKey(symbol), err)
	}

	bars := make([]model.Bar, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var b model.Bar
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			log.Printf("[redis-reader] bad audit entry %s in %s: %v", msg.ID, StreamKey(symbol), err)
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// Latest returns the most recently audited bar for symbol, nil if none.
func (r *Reader) Latest(ctx context.Context, symbol string) (*model.Bar, error) {
	data, err := r.client.Get(ctx, LatestKey(symbol)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET %s: %w", LatestKey(symbol), err)
	}

	var b model.Bar
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("unmarshal latest bar: %w", err)
	}
	return &b, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
