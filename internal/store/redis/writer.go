package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradecopilot/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: ~2 weeks of RTH 1m bars per symbol
	auditStreamMaxLen = 5000
	defaultLatestTTL  = 30 * time.Minute

	// LiveChannel carries every audited bar for external subscribers.
	LiveChannel = "audit:live"
)

// WriterConfig configures the Redis audit writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer mirrors finalized 1m bars to Redis for external inspection:
// a capped stream per symbol, a latest-bar key, and a live pubsub channel.
// It never sits on the hot path; the pipeline feeds it through a channel.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
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

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// NewFromClient wraps an existing client (used by tests with a mock).
func NewFromClient(client *goredis.Client) *Writer {
	return &Writer{client: client}
}

// StreamKey returns the audit stream key for a symbol.
func StreamKey(symbol string) string { return "audit:bars:" + symbol }

// LatestKey returns the latest-bar key for a symbol.
func LatestKey(symbol string) string { return "audit:latest:" + symbol }

// Run reads finalized 1m bars from barCh and mirrors them to Redis.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			if bar.Timeframe != model.TF1m {
				continue
			}
			w.writeBar(ctx, bar)
		}
	}
}

// WriteBar mirrors one bar through the pipelined XADD + SET + PUBLISH path.
func (w *Writer) WriteBar(ctx context.Context, bar model.Bar) error {
	return w.writeBar(ctx, bar)
}

// writeBar performs pipelined writes for one finalized bar.
func (w *Writer) writeBar(ctx context.Context, bar model.Bar) error {
	jsonData := string(bar.JSON())

	pipe := w.client.Pipeline()

	// XADD to the per-symbol stream with auto-trimming
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(bar.Symbol),
		MaxLen: auditStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	})

	// SET latest bar with TTL
	pipe.Set(ctx, LatestKey(bar.Symbol), jsonData, defaultLatestTTL)

	// PUBLISH for live subscribers
	pipe.Publish(ctx, LiveChannel, jsonData)

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Printf("[redis] audit pipeline error for %s seq=%d: %v", bar.Symbol, bar.Seq, err)
	}
	return err
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
