// Package influx writes routed price updates to InfluxDB as the "price"
// measurement.
package influx

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"pricerouter/internal/model"
)

// Measurement is the InfluxDB measurement name for price updates.
const Measurement = "price"

// Config configures the sink.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	BatchSize     uint          // points per write request
	FlushInterval time.Duration // max time a point waits in the batch
	UseGzip       bool
}

func (c Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		c.URL, c.Org, c.Bucket, c.BatchSize, c.FlushInterval, c.UseGzip)
}

// Sink batches points through the client's asynchronous write API.
type Sink struct {
	client influxdb2.Client
	write  api.WriteAPI
	log    *zap.Logger

	errors atomic.Uint64
	done   chan struct{}
}

// New creates the sink. No connection is made until the first flush.
func New(cfg Config, log *zap.Logger) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	s := &Sink{
		client: c,
		write:  c.WriteAPI(cfg.Org, cfg.Bucket),
		log:    log.Named("influx"),
		done:   make(chan struct{}),
	}

	// Errors() must be drained or the async writer blocks.
	go func() {
		defer close(s.done)
		for err := range s.write.Errors() {
			s.errors.Add(1)
			s.log.Warn("write failed", zap.Error(err))
		}
	}()

	s.log.Info("influx sink configured", zap.Stringer("config", cfg))
	return s
}

// Name implements model.Sink.
func (s *Sink) Name() string { return "influx" }

// Deliver implements model.Sink. Points are batched; write errors surface
// asynchronously through WriteErrors.
func (s *Sink) Deliver(_ context.Context, u model.PriceUpdate) error {
	s.write.WritePoint(Point(u))
	return nil
}

// Point converts an update to a line-protocol point.
func Point(u model.PriceUpdate) *write.Point {
	tags := map[string]string{
		"symbol": u.Symbol,
		"source": u.Source.String(),
	}
	fields := map[string]interface{}{
		"price":      u.Price.InexactFloat64(),
		"change_pct": u.PriceChangePercent.InexactFloat64(),
		"volume":     u.Volume.InexactFloat64(),
	}
	return write.NewPoint(Measurement, tags, fields, u.EventTimestamp)
}

// Flush forces pending points to be written.
func (s *Sink) Flush() { s.write.Flush() }

// WriteErrors returns the number of failed batch writes.
func (s *Sink) WriteErrors() uint64 { return s.errors.Load() }

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	s.client.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
}
