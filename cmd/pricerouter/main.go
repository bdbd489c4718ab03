// cmd/pricerouter runs the price data-source router: a streaming primary
// provider and a polled fallback provider feed one router, whose canonical
// output is fanned out to the configured sinks.
//
// Config: optional YAML file given by -config (or PRICEROUTER_CONFIG), with
// every key overridable through PRICEROUTER_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricerouter/config"
	"pricerouter/internal/broker"
	"pricerouter/internal/clock"
	"pricerouter/internal/consistency"
	"pricerouter/internal/logger"
	"pricerouter/internal/marketdata/bus"
	"pricerouter/internal/marketdata/poll"
	"pricerouter/internal/marketdata/stream"
	"pricerouter/internal/metrics"
	"pricerouter/internal/model"
	"pricerouter/internal/notification"
	"pricerouter/internal/router"
	"pricerouter/internal/store/influx"
	redisstore "pricerouter/internal/store/redis"
	sqlitestore "pricerouter/internal/store/sqlite"
	"pricerouter/internal/validate"
)

func main() {
	path := flag.String("config", os.Getenv("PRICEROUTER_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logger.Init(cfg.Service, cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// sinkSet tracks the optional backends so they can be closed in order.
type sinkSet struct {
	redis    *redisstore.Writer
	buffered *redisstore.BufferedWriter
	sqlite   *sqlitestore.Writer
	nats     *broker.NatsSink
	influx   *influx.Sink
	closers  []func()
}

func (s *sinkSet) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	clk := clock.Real{}
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Sinks outlive the pipeline so the fanout can drain into them.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()

	sinks, err := openSinks(cfg, prom, log)
	if err != nil {
		return err
	}
	defer sinks.close()

	symbols, err := loadSymbols(ctx, cfg, sinks.registry(cfg.SymbolsRedisKey, log))
	if err != nil {
		return err
	}
	tickers := model.Tickers(symbols)
	log.Info("tracking symbols", zap.Strings("symbols", tickers))

	// ---- Alerts ----
	dispatcher := notification.NewDispatcher(buildNotifier(cfg, log), 64, log)

	// ---- Fanout ----
	fanout := bus.New(bus.Config{
		QueueSize:   cfg.Fanout.QueueSize,
		MaxAttempts: cfg.Fanout.MaxAttempts,
		RetryDelay:  cfg.Fanout.RetryDelay,
	}, log)
	for _, s := range sinks.list() {
		if err := fanout.Subscribe(s); err != nil {
			return err
		}
	}

	// ---- Consistency monitor ----
	var (
		monitor *consistency.Monitor
		obs     model.TickObserver
	)
	if cfg.Monitor.Enabled {
		var writers []model.DivergenceWriter
		if sinks.sqlite != nil {
			writers = append(writers, sinks.sqlite)
		}
		monitor = consistency.New(consistency.Config{FreshnessWindow: cfg.Monitor.FreshnessWindow}, clk, log, writers...)
		alerter := newDivergenceAlerter(cfg.Monitor.AlertPct, dispatcher)
		monitor.OnRecord = func(rec model.DivergenceRecord) {
			prom.DivergencePct.WithLabelValues(rec.Symbol).Set(rec.DeltaPct.InexactFloat64())
			alerter.observe(rec)
		}
		obs = monitor
	}

	// ---- Router ----
	rt := router.New(router.Config{
		FailoverThreshold:      cfg.Router.FailoverThreshold,
		RestorationGracePeriod: cfg.Router.RestorationGracePeriod,
		FallbackStaleThreshold: cfg.Router.FallbackStaleThreshold,
		EvalInterval:           cfg.Router.EvalInterval,
		InboxSize:              cfg.Router.InboxSize,
	}, clk, fanout, obs, log)
	rt.OnTransition = func(tr router.Transition) {
		prom.PhaseTransitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
		dispatcher.Notify(transitionAlert(tr))
	}
	rt.OnEmit = func(u model.PriceUpdate) {
		prom.TicksEmitted.WithLabelValues(u.Source.String()).Inc()
	}
	events := metrics.CountEvents(rt, prom.EventsTotal)

	// ---- Ingest ----
	vcfg := validate.Config{
		ClockSkewTolerance:      cfg.Validation.ClockSkewTolerance,
		CircuitBreakerThreshold: cfg.BreakerThreshold(),
	}
	primary, err := stream.New(stream.Config{
		URL:           cfg.Primary.URL,
		Symbols:       tickers,
		APIKey:        cfg.Primary.APIKey,
		TOTPSecret:    cfg.Primary.TOTPSecret,
		BackoffMin:    cfg.Primary.BackoffMin,
		BackoffMax:    cfg.Primary.BackoffMax,
		PongWait:      cfg.Primary.PongWait,
		Validation:    vcfg,
		BreakerWindow: cfg.Validation.CircuitBreakerWindow,
	}, events, clk, log)
	if err != nil {
		return err
	}
	primary.OnReject = func(r validate.Reason) {
		prom.TicksRejected.WithLabelValues(model.SourcePrimary.String(), string(r)).Inc()
	}
	primary.OnReconnect = prom.StreamReconnect.Inc

	fallback, err := poll.New(poll.Config{
		URL:               cfg.Fallback.URL,
		APIKey:            cfg.Fallback.APIKey,
		Symbols:           tickers,
		Interval:          cfg.Fallback.PollingInterval,
		RequestTimeout:    cfg.Fallback.RequestTimeout,
		RequestsPerMinute: cfg.Fallback.RequestsPerMinute,
		Validation:        vcfg,
		BreakerWindow:     cfg.Validation.CircuitBreakerWindow,
	}, events, clk, log)
	if err != nil {
		return err
	}
	fallback.OnReject = func(r validate.Reason) {
		prom.TicksRejected.WithLabelValues(model.SourceFallback.String(), string(r)).Inc()
	}
	fallback.OnPoll = func(err error, d time.Duration) {
		prom.PollDuration.Observe(d.Seconds())
		if err != nil {
			prom.PollFailures.Inc()
		}
	}

	// ---- Metrics, health and status API ----
	reporter := metrics.NewReporter(prom, rt.Status, fanout.Stats)
	reporter.TrackCounter(prom.PollSkipped, fallback.Skipped)

	var deps *metrics.DependencyHealth
	if sinks.redis != nil || sinks.sqlite != nil {
		deps = metrics.NewDependencyHealth(sinks.redisClient(), sinks.sqliteDB())
	}
	srvCfg := metrics.ServerConfig{
		Addr:     cfg.MetricsAddr,
		Gatherer: prometheus.DefaultGatherer,
		Router:   rt,
		Deps:     deps,
	}
	if monitor != nil {
		srvCfg.Divergence = monitor
	}
	server := metrics.NewServer(srvCfg, log)

	// ---- Run ----
	sg, sgctx := errgroup.WithContext(sinkCtx)
	sg.Go(func() error { return dispatcher.Run(sgctx) })
	if sinks.buffered != nil {
		sg.Go(func() error { return sinks.buffered.Run(sgctx) })
	}
	if sinks.sqlite != nil {
		sg.Go(func() error { return sinks.sqlite.Run(sgctx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error { return rt.Run(gctx) })
	if monitor != nil {
		g.Go(func() error { return monitor.Run(gctx) })
	}
	g.Go(func() error { return primary.Run(gctx) })
	g.Go(func() error { return fallback.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx, 5*time.Second) })
	if deps != nil {
		g.Go(func() error { return deps.Run(gctx, 10*time.Second) })
	}
	g.Go(func() error { return server.Run(gctx) })

	log.Info("pricerouter started",
		zap.String("primary", cfg.Primary.URL),
		zap.String("fallback", cfg.Fallback.URL),
		zap.Strings("sinks", sinks.names()))

	<-gctx.Done()
	log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		// Pipeline is down and the fanout has drained; stop the sinks.
		cancelSinks()
		done <- errors.Join(err, sg.Wait())
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(cfg.ShutdownGrace):
		return fmt.Errorf("shutdown exceeded grace period %v", cfg.ShutdownGrace)
	}
}
