package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"pricerouter/config"
	"pricerouter/internal/broker"
	"pricerouter/internal/metrics"
	"pricerouter/internal/model"
	"pricerouter/internal/store/influx"
	redisstore "pricerouter/internal/store/redis"
	sqlitestore "pricerouter/internal/store/sqlite"
)

// openSinks connects every configured backend. A backend that cannot be
// reached at startup is logged and skipped; the router runs without it.
func openSinks(cfg *config.Config, prom *metrics.Metrics, log *zap.Logger) (*sinkSet, error) {
	s := &sinkSet{}
	sc := cfg.Sinks

	if sc.RedisAddr != "" {
		w, err := redisstore.New(redisstore.WriterConfig{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		if err != nil {
			log.Warn("redis init failed, continuing without redis", zap.Error(err))
		} else {
			w.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
			bw := redisstore.NewBufferedWriter(w, redisstore.BreakerConfig{}, log)
			bw.OnBuffer = prom.RedisBufferedWrites.Inc
			bw.OnStateChange = func(_, to gobreaker.State) {
				prom.RedisCircuitBreakerState.Set(breakerGauge(to))
				if to == gobreaker.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			s.redis, s.buffered = w, bw
			s.closers = append(s.closers, func() { w.Close() })
			log.Info("redis sink ready", zap.String("addr", sc.RedisAddr))
		}
	}

	if sc.SQLitePath != "" {
		if dir := filepath.Dir(sc.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: sc.SQLitePath}, log)
		if err != nil {
			// The journal is local; failing to open it is a configuration error.
			return nil, err
		}
		w.OnCommit = func(_ int, d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
		s.sqlite = w
		s.closers = append(s.closers, func() { w.Close() })
	}

	if sc.NATSURL != "" {
		n, err := broker.NewNatsSink(sc.NATSURL, sc.NATSSubject, log)
		if err != nil {
			log.Warn("nats init failed, continuing without nats", zap.Error(err))
		} else {
			s.nats = n
			s.closers = append(s.closers, func() { n.Close() })
			log.Info("nats sink ready", zap.String("url", sc.NATSURL), zap.String("subject", sc.NATSSubject))
		}
	}

	if sc.InfluxURL != "" {
		in := influx.New(influx.Config{
			URL:    sc.InfluxURL,
			Token:  sc.InfluxToken,
			Org:    sc.InfluxOrg,
			Bucket: sc.InfluxBucket,
		}, log)
		s.influx = in
		s.closers = append(s.closers, in.Close)
	}

	return s, nil
}

// list returns the enabled sinks in subscription order.
func (s *sinkSet) list() []model.Sink {
	var out []model.Sink
	if s.buffered != nil {
		out = append(out, s.buffered)
	}
	if s.sqlite != nil {
		out = append(out, s.sqlite)
	}
	if s.nats != nil {
		out = append(out, s.nats)
	}
	if s.influx != nil {
		out = append(out, s.influx)
	}
	return out
}

func (s *sinkSet) names() []string {
	var out []string
	for _, k := range s.list() {
		out = append(out, k.Name())
	}
	return out
}

func (s *sinkSet) redisClient() *goredis.Client {
	if s.redis == nil {
		return nil
	}
	return s.redis.Client()
}

func (s *sinkSet) sqliteDB() *sql.DB {
	if s.sqlite == nil {
		return nil
	}
	return s.sqlite.DB()
}

// breakerGauge maps breaker states onto the exported gauge values.
func breakerGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// loadSymbols reads the tracked symbols from the registry when a key is
// configured, otherwise from the config list.
func loadSymbols(ctx context.Context, cfg *config.Config, reg model.SymbolRegistry) ([]model.Symbol, error) {
	if cfg.SymbolsRedisKey == "" {
		return cfg.ParseSymbols()
	}
	if reg == nil {
		return nil, fmt.Errorf("symbols_redis_key %q set but redis is unavailable", cfg.SymbolsRedisKey)
	}
	syms, err := reg.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("symbol registry %q is empty", cfg.SymbolsRedisKey)
	}
	return syms, nil
}

// registry returns the Redis symbol registry, or nil without Redis.
func (s *sinkSet) registry(key string, log *zap.Logger) model.SymbolRegistry {
	if s.redis == nil {
		return nil
	}
	return redisstore.NewRegistry(s.redis.Client(), key, log)
}
