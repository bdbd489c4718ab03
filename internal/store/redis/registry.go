package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"pricerouter/internal/model"
)

// DefaultRegistryKey is the set holding "TICKER:VENUE" members.
const DefaultRegistryKey = "symbols:tracked"

// Registry reads the tracked symbol list from a Redis set maintained by the
// symbol management service.
type Registry struct {
	client *goredis.Client
	key    string
	log    *zap.Logger
}

// NewRegistry creates a registry over key (DefaultRegistryKey if empty).
func NewRegistry(client *goredis.Client, key string, log *zap.Logger) *Registry {
	if key == "" {
		key = DefaultRegistryKey
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{client: client, key: key, log: log.Named("registry")}
}

// Symbols returns the tracked symbols sorted by ticker. A missing key is an
// empty registry.
func (r *Registry) Symbols(ctx context.Context) ([]model.Symbol, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", r.key, err)
	}
	syms, bad := parseMembers(members)
	for _, m := range bad {
		r.log.Warn("skipping malformed registry member", zap.String("member", m))
	}
	return syms, nil
}

// parseMembers parses set members, dropping duplicates and malformed entries.
func parseMembers(members []string) (syms []model.Symbol, bad []string) {
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		s, err := model.ParseSymbol(m)
		if err != nil {
			bad = append(bad, m)
			continue
		}
		if seen[s.Ticker] {
			continue
		}
		seen[s.Ticker] = true
		syms = append(syms, s)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Ticker < syms[j].Ticker })
	return syms, bad
}
