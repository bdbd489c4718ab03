// Package broker publishes routed price updates onto a NATS subject tree.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pricerouter/internal/model"
)

// DefaultSubject is the root subject; updates go to "<root>.<SYMBOL>".
const DefaultSubject = "prices"

// NatsSink is a fanout sink publishing each update as JSON.
type NatsSink struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
}

// NewNatsSink connects to url. The connection reconnects forever; while it
// is down the client buffers publishes up to its reconnect buffer.
func NewNatsSink(url, subject string, log *zap.Logger, opts ...nats.Option) (*NatsSink, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")

	opts = append([]nats.Option{
		nats.Name("pricerouter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NatsSink{nc: nc, subject: subject, log: log}, nil
}

// Name implements model.Sink.
func (s *NatsSink) Name() string { return "nats" }

// Deliver implements model.Sink.
func (s *NatsSink) Deliver(_ context.Context, u model.PriceUpdate) error {
	if err := s.nc.Publish(SubjectFor(s.subject, u.Symbol), u.JSON()); err != nil {
		return fmt.Errorf("nats publish %s: %w", u.Symbol, err)
	}
	return nil
}

// Connected reports whether the connection is currently up.
func (s *NatsSink) Connected() bool { return s.nc.IsConnected() }

// Close drains pending publishes and closes the connection.
func (s *NatsSink) Close() error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	s.nc.Close()
	return err
}

// SubjectFor returns the subject for symbol under root. Characters NATS
// treats as token separators or wildcards are replaced.
func SubjectFor(root, symbol string) string {
	sym := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', ':':
			return '_'
		}
		return r
	}, strings.ToUpper(symbol))
	return root + "." + sym
}
