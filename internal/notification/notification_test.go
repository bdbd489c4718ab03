package notification

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got WebhookPayload
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		key = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	err := NewWebhookNotifier(srv.URL, "pricerouter").Send(context.Background(), Alert{
		Level: AlertCritical, Kind: KindPhaseTransition, Phase: "both_unavailable",
		Title: "both feeds down", Message: "no source usable", At: at,
	})
	require.NoError(t, err)
	assert.Equal(t, AlertCritical, got.Level)
	assert.Equal(t, KindPhaseTransition, got.Kind)
	assert.Equal(t, "both_unavailable", got.Phase)
	assert.Empty(t, got.Symbol)
	assert.Equal(t, "pricerouter", got.Source)
	assert.Equal(t, "both feeds down", got.Title)
	assert.Equal(t, at, got.At)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, got.ID, key)
}

func TestWebhookNotifier_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	assert.Error(t, NewWebhookNotifier(srv.URL, "").Send(context.Background(), Alert{Title: "x"}))
}

func TestTelegramNotifier_Send(t *testing.T) {
	var path string
	var payload telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &payload))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiBase = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{
		Level: AlertWarning, Title: "failover", Message: "primary_active -> fallback_active", Phase: "fallback_active",
	}))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", payload.ChatID)
	assert.Equal(t, "MarkdownV2", payload.ParseMode)
	assert.False(t, payload.DisableNotification)
	assert.True(t, strings.Contains(payload.Text, `primary\_active \-\> fallback\_active`), payload.Text)
	assert.True(t, strings.HasSuffix(payload.Text, "\nphase: `fallback\\_active`"), payload.Text)
}

func TestFormatTelegram_SymbolLine(t *testing.T) {
	text := formatTelegram(Alert{Level: AlertInfo, Title: "Provider divergence BRK.B", Message: "m", Symbol: "BRK.B"})
	assert.True(t, strings.HasPrefix(text, "ℹ️ *Provider divergence BRK\\.B*"), text)
	assert.True(t, strings.HasSuffix(text, "\nsymbol: `BRK\\.B`"), text)
	assert.NotContains(t, text, "phase:")
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\.b\-c\!`, escapeMarkdown("a.b-c!"))
	assert.Equal(t, "plain", escapeMarkdown("plain"))
}

type recNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
	block  chan struct{}
}

func (r *recNotifier) Send(ctx context.Context, a Alert) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestMulti_JoinsErrors(t *testing.T) {
	a := &recNotifier{}
	b := &recNotifier{err: errors.New("down")}
	err := Multi{a, b, NewLogNotifier(nil)}.Send(context.Background(), Alert{Title: "t"})
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestDispatcher_DeliversAsync(t *testing.T) {
	rec := &recNotifier{block: make(chan struct{})}
	d := NewDispatcher(rec, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Notify(Alert{Title: "t"})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Notify must not block")
	assert.GreaterOrEqual(t, d.Dropped(), uint64(7))

	close(rec.block)
	require.Eventually(t, func() bool { return rec.count() == 10-int(d.Dropped()) }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_FlushesOnShutdown(t *testing.T) {
	rec := &recNotifier{}
	d := NewDispatcher(rec, 8, nil)
	d.Notify(Alert{Title: "a"})
	d.Notify(Alert{Title: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	// select may pick either ready case first; both alerts still go out
	assert.Equal(t, 2, rec.count())
}
