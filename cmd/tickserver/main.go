// cmd/tickserver: provider simulator for local runs of pricerouter.
// It plays both upstream providers from one random-walk price model:
//
//	GET  /ws       websocket stream of tick frames (primary provider)
//	GET  /quotes   batch quote endpoint, ?symbols=A,B (fallback provider)
//	POST /control  ?provider=primary|fallback&paused=true|false
//	GET  /health
//
// Pausing the primary closes open streams and refuses new ones; pausing the
// fallback makes /quotes answer 503. Useful for exercising failover.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR   listen address (default: ":9001")
//	TICK_SYMBOLS       comma-separated symbols (default: "AAPL,MSFT")
//	TICK_INTERVAL_MS   stream interval in milliseconds (default: "250")
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pricerouter/internal/logger"
)

func main() {
	log := logger.Init("tickserver", envOrDefault("LOG_LEVEL", "info"))
	defer log.Sync()

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	symbols := parseSymbols(envOrDefault("TICK_SYMBOLS", "AAPL,MSFT"))
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond
	if len(symbols) == 0 {
		log.Fatal("no symbols configured via TICK_SYMBOLS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := newSimulator(symbols, log)
	go sim.run(ctx, interval)

	srv := &http.Server{Addr: addr, Handler: sim.routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening",
		zap.String("addr", addr),
		zap.Strings("symbols", symbols),
		zap.Duration("interval", interval))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}

func parseSymbols(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		sym := strings.ToUpper(strings.TrimSpace(part))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
