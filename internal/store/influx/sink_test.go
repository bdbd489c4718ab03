package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerouter/internal/model"
)

type lineServer struct {
	mu     sync.Mutex
	lines  []string
	status int
	query  string
}

func (l *lineServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.query = r.URL.RawQuery
	if l.status != 0 {
		w.WriteHeader(l.status)
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line != "" {
			l.lines = append(l.lines, line)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (l *lineServer) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func update(sym, px string) model.PriceUpdate {
	return model.PriceUpdate{
		Symbol:             sym,
		Price:              decimal.RequireFromString(px),
		PriceChangePercent: decimal.RequireFromString("-0.25"),
		Volume:             decimal.NewFromInt(300),
		Source:             model.SourcePrimary,
		EventTimestamp:     time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestSink_WritesLineProtocol(t *testing.T) {
	ls := &lineServer{}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	s := New(Config{URL: srv.URL, Token: "t", Org: "acme", Bucket: "prices", FlushInterval: time.Hour}, nil)
	require.NoError(t, s.Deliver(context.Background(), update("AAPL", "190.1")))
	require.NoError(t, s.Deliver(context.Background(), update("MSFT", "410")))
	s.Flush()

	require.Eventually(t, func() bool { return len(ls.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	lines := ls.snapshot()
	assert.True(t, strings.HasPrefix(lines[0], "price,source=primary,symbol=AAPL "), lines[0])
	assert.Contains(t, lines[0], "price=190.1")
	assert.Contains(t, lines[0], "change_pct=-0.25")
	assert.True(t, strings.HasSuffix(lines[0], " 1700000000000000000"), lines[0])
	assert.Contains(t, ls.query, "bucket=prices")
	assert.Equal(t, "influx", s.Name())

	s.Close()
}

func TestSink_CountsWriteErrors(t *testing.T) {
	ls := &lineServer{status: http.StatusBadRequest}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	s := New(Config{URL: srv.URL, Org: "acme", Bucket: "prices", FlushInterval: time.Hour}, nil)
	defer s.Close()
	require.NoError(t, s.Deliver(context.Background(), update("AAPL", "1")))
	s.Flush()

	require.Eventually(t, func() bool { return s.WriteErrors() > 0 }, 2*time.Second, 10*time.Millisecond)
}
