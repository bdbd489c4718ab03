package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pricerouter/internal/model"
)

const (
	// Stream trimming: ~3h of 1 update/s per symbol + buffer
	defaultStreamMaxLen = 12000
	defaultLatestTTL    = 30 * time.Minute
	defaultKeyPrefix    = "price"
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// KeyPrefix namespaces every key and channel. Defaults to "price".
	KeyPrefix    string
	StreamMaxLen int64
	LatestTTL    time.Duration
}

func (c *WriterConfig) defaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = defaultStreamMaxLen
	}
	if c.LatestTTL <= 0 {
		c.LatestTTL = defaultLatestTTL
	}
}

// Keys names the Redis objects written for one symbol.
type Keys struct {
	Latest  string // SET, JSON of the newest update
	Stream  string // XADD, full history trimmed to StreamMaxLen
	Channel string // PUBLISH, live subscribers
}

// KeysFor returns the keys for symbol under prefix.
func KeysFor(prefix, symbol string) Keys {
	symbol = strings.ToUpper(symbol)
	return Keys{
		Latest:  prefix + ":latest:" + symbol,
		Stream:  prefix + ":stream:" + symbol,
		Channel: "pub:" + prefix + ":" + symbol,
	}
}

// Writer writes price updates to Redis.
type Writer struct {
	client *goredis.Client
	cfg    WriterConfig

	// OnWrite is called with the duration of every pipeline round trip.
	OnWrite func(d time.Duration)
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	cfg.defaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Writer{client: client, cfg: cfg}, nil
}

// WriteUpdate performs the pipelined SET latest + XADD + PUBLISH for one update.
func (w *Writer) WriteUpdate(ctx context.Context, u model.PriceUpdate) error {
	keys := KeysFor(w.cfg.KeyPrefix, u.Symbol)
	jsonData := string(u.JSON())

	start := time.Now()
	pipe := w.client.Pipeline()
	pipe.Set(ctx, keys.Latest, jsonData, w.cfg.LatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: keys.Stream,
		MaxLen: w.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	})
	pipe.Publish(ctx, keys.Channel, jsonData)

	_, err := pipe.Exec(ctx)
	if w.OnWrite != nil {
		w.OnWrite(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("redis pipeline for %s: %w", u.Symbol, err)
	}
	return nil
}

// Close closes the client.
func (w *Writer) Close() error {
	return w.client.Close()
}
