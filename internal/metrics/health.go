package metrics

import (
	"context"
	"database/sql"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// DependencyHealth records liveness probes of the optional sink backends.
type DependencyHealth struct {
	mu sync.RWMutex

	RedisEnabled    bool      `json:"redis_enabled"`
	RedisConnected  bool      `json:"redis_connected"`
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteEnabled   bool      `json:"sqlite_enabled"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	rdb   *goredis.Client
	sqlDB *sql.DB
}

// NewDependencyHealth creates a prober. Either backend may be nil.
func NewDependencyHealth(rdb *goredis.Client, sqlDB *sql.DB) *DependencyHealth {
	return &DependencyHealth{
		StartedAt:     time.Now(),
		RedisEnabled:  rdb != nil,
		SQLiteEnabled: sqlDB != nil,
		rdb:           rdb,
		sqlDB:         sqlDB,
	}
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *DependencyHealth) CheckRedis(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	start := time.Now()
	err := h.rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *DependencyHealth) CheckSQLite(ctx context.Context) {
	if h.sqlDB == nil {
		return
	}
	start := time.Now()
	err := h.sqlDB.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// Run probes every interval until ctx is cancelled.
func (h *DependencyHealth) Run(ctx context.Context, interval time.Duration) error {
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		h.CheckRedis(pctx)
		h.CheckSQLite(pctx)
	}
	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probe()
		}
	}
}

// DependencySnapshot is a copy of the probe results.
type DependencySnapshot struct {
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteEnabled   bool    `json:"sqlite_enabled"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
	Uptime          string  `json:"uptime"`
}

// Snapshot returns the current probe results.
func (h *DependencyHealth) Snapshot() DependencySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return DependencySnapshot{
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
	}
}

// degraded reports whether an enabled backend failed its last probe.
func (s DependencySnapshot) degraded() bool {
	return (s.RedisEnabled && !s.RedisConnected) || (s.SQLiteEnabled && !s.SQLiteOK)
}
