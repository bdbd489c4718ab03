package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricerouter/internal/marketdata/poll"
	"pricerouter/internal/marketdata/stream"
	"pricerouter/internal/model"
)

// ─── Price model ──────────────────────────────────────────────────────────────

type simulator struct {
	log *zap.Logger

	mu     sync.RWMutex
	prices map[string]model.Tick
	order  []string

	primaryPaused  atomic.Bool
	fallbackPaused atomic.Bool

	hub *hub
	now func() time.Time
}

func newSimulator(symbols []string, log *zap.Logger) *simulator {
	s := &simulator{
		log:    log,
		prices: make(map[string]model.Tick, len(symbols)),
		order:  symbols,
		hub:    newHub(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	now := s.now()
	for _, sym := range symbols {
		s.prices[sym] = model.Tick{
			Symbol:         sym,
			Price:          decimal.NewFromInt(int64(50 + rand.IntN(450))),
			Volume:         decimal.NewFromInt(int64(rand.IntN(100) + 1)),
			EventTimestamp: now,
		}
	}
	return s
}

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(p decimal.Decimal, r float64) decimal.Decimal {
	pct := decimal.NewFromFloat((r*0.2 - 0.1) / 100.0)
	next := p.Add(p.Mul(pct)).Round(4)
	if next.LessThanOrEqual(decimal.Zero) {
		return decimal.New(1, -2)
	}
	return next
}

// step advances every symbol once and returns the new ticks.
func (s *simulator) step() []model.Tick {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Tick, 0, len(s.order))
	for _, sym := range s.order {
		t := s.prices[sym]
		t.Price = walkPrice(t.Price, rand.Float64())
		t.Volume = decimal.NewFromInt(int64(rand.IntN(100) + 1))
		t.EventTimestamp = now
		s.prices[sym] = t
		out = append(out, t)
	}
	return out
}

func (s *simulator) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.hub.closeAll()
			return
		case <-ticker.C:
			ticks := s.step()
			if s.primaryPaused.Load() {
				continue
			}
			frames := make([]stream.Frame, len(ticks))
			for i, t := range ticks {
				frames[i] = stream.FrameFromTick(t)
			}
			b, err := json.Marshal(frames)
			if err != nil {
				continue
			}
			s.hub.broadcast(b)
		}
	}
}

// quotes returns the current price of each requested symbol that exists.
func (s *simulator) quotes(symbols []string) poll.QuoteResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := poll.QuoteResponse{Quotes: []poll.Quote{}}
	for _, sym := range symbols {
		t, ok := s.prices[strings.ToUpper(sym)]
		if !ok {
			continue
		}
		resp.Quotes = append(resp.Quotes, poll.Quote{
			Symbol:    t.Symbol,
			Price:     t.Price,
			Volume:    t.Volume,
			Timestamp: t.EventTimestamp,
		})
	}
	return resp
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop tick
		}
	}
}

// closeAll drops every connected client.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		close(ch)
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func (s *simulator) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/quotes", s.handleQuotes)
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"service":         "tickserver",
			"clients":         s.hub.size(),
			"primary_paused":  s.primaryPaused.Load(),
			"fallback_paused": s.fallbackPaused.Load(),
		})
	})
	return mux
}

func (s *simulator) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.primaryPaused.Load() {
		http.Error(w, "primary paused", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade error", zap.Error(err))
		return
	}
	s.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	ch := s.hub.register(conn)
	defer func() {
		s.hub.unregister(conn)
		conn.Close()
		s.log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	// Read pump: consumes the subscribe frame and notices closes.
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				s.hub.unregister(conn)
				return
			}
			var sub stream.Subscribe
			if json.Unmarshal(msg, &sub) == nil && sub.Op == "subscribe" {
				s.log.Debug("subscribe", zap.String("id", sub.ID), zap.Strings("symbols", sub.Symbols))
			}
		}
	}()

	// Write pump: sends tick frames to this client.
	for msg := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *simulator) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if s.fallbackPaused.Load() {
		http.Error(w, "fallback paused", http.StatusServiceUnavailable)
		return
	}
	syms := s.order
	if q := r.URL.Query().Get("symbols"); q != "" {
		syms = strings.Split(q, ",")
	}
	writeJSON(w, http.StatusOK, s.quotes(syms))
}

func (s *simulator) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	paused, err := strconv.ParseBool(r.URL.Query().Get("paused"))
	if err != nil {
		http.Error(w, "paused must be true or false", http.StatusBadRequest)
		return
	}
	switch r.URL.Query().Get("provider") {
	case "primary":
		s.primaryPaused.Store(paused)
		if paused {
			s.hub.closeAll()
		}
	case "fallback":
		s.fallbackPaused.Store(paused)
	default:
		http.Error(w, "provider must be primary or fallback", http.StatusBadRequest)
		return
	}
	s.log.Info("provider control", zap.String("provider", r.URL.Query().Get("provider")), zap.Bool("paused", paused))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
