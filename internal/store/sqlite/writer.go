package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"pricerouter/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 4096
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath     string // path to SQLite database file, e.g. "data/prices.db"
	BatchSize  int
	FlushDelay time.Duration
	QueueSize  int
}

func (c *WriterConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = defaultFlushDelay
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It journals emitted price updates and divergence records.
type Writer struct {
	db  *sql.DB
	cfg WriterConfig
	log *zap.Logger

	ticks chan model.PriceUpdate
	divs  chan model.DivergenceRecord

	// OnCommit is called after each committed batch (for metrics).
	OnCommit func(rows int, d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg WriterConfig, log *zap.Logger) (*Writer, error) {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = log.Named("sqlite")
	log.Info("opened database", zap.String("path", cfg.DBPath))
	return &Writer{
		db:    db,
		cfg:   cfg,
		log:   log,
		ticks: make(chan model.PriceUpdate, cfg.QueueSize),
		divs:  make(chan model.DivergenceRecord, cfg.QueueSize),
	}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS price_ticks (
			symbol     TEXT    NOT NULL,
			source     TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			price      TEXT    NOT NULL,
			change_pct TEXT    NOT NULL,
			volume     TEXT    NOT NULL,
			PRIMARY KEY (symbol, ts)
		);

		CREATE TABLE IF NOT EXISTS divergence (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol         TEXT    NOT NULL,
			primary_price  TEXT    NOT NULL,
			fallback_price TEXT    NOT NULL,
			delta_pct      TEXT    NOT NULL,
			primary_ts     INTEGER NOT NULL,
			fallback_ts    INTEGER NOT NULL,
			recorded_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS divergence_symbol ON divergence (symbol, recorded_at);
	`)
	return err
}

// Name implements model.Sink.
func (w *Writer) Name() string { return "sqlite" }

// Deliver implements model.Sink by queueing u for the next batch.
func (w *Writer) Deliver(ctx context.Context, u model.PriceUpdate) error {
	select {
	case w.ticks <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteDivergence implements model.DivergenceWriter by queueing rec for the
// next batch.
func (w *Writer) WriteDivergence(ctx context.Context, rec model.DivergenceRecord) error {
	select {
	case w.divs <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queues and inserts in batched transactions.
// Flushes every BatchSize rows OR every FlushDelay, whichever first.
// On cancellation whatever is already queued is committed before returning.
func (w *Writer) Run(ctx context.Context) error {
	ticks := make([]model.PriceUpdate, 0, w.cfg.BatchSize)
	divs := make([]model.DivergenceRecord, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.FlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(ticks) == 0 && len(divs) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(ticks, divs); err != nil {
			w.log.Error("batch insert failed", zap.Int("ticks", len(ticks)), zap.Int("divergence", len(divs)), zap.Error(err))
		} else {
			d := time.Since(start)
			w.log.Debug("committed batch", zap.Int("ticks", len(ticks)), zap.Int("divergence", len(divs)), zap.Duration("took", d))
			if w.OnCommit != nil {
				w.OnCommit(len(ticks)+len(divs), d)
			}
		}
		ticks = ticks[:0]
		divs = divs[:0]
	}
	full := func() bool { return len(ticks)+len(divs) >= w.cfg.BatchSize }

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case u := <-w.ticks:
					ticks = append(ticks, u)
				case r := <-w.divs:
					divs = append(divs, r)
				default:
					flush()
					return nil
				}
				if full() {
					flush()
				}
			}

		case u := <-w.ticks:
			ticks = append(ticks, u)
			if full() {
				flush()
				timer.Reset(w.cfg.FlushDelay)
			}

		case r := <-w.divs:
			divs = append(divs, r)
			if full() {
				flush()
				timer.Reset(w.cfg.FlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.cfg.FlushDelay)
		}
	}
}

// insertBatch writes one batch in a single transaction. Re-delivered ticks
// (same symbol and event time) are ignored.
func (w *Writer) insertBatch(ticks []model.PriceUpdate, divs []model.DivergenceRecord) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	if len(ticks) > 0 {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO price_ticks (symbol, source, ts, price, change_pct, volume)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()
		for _, u := range ticks {
			_, err := stmt.Exec(u.Symbol, u.Source.String(), u.EventTimestamp.UnixMilli(),
				u.Price.String(), u.PriceChangePercent.String(), u.Volume.String())
			if err != nil {
				tx.Rollback()
				return err
			}
		}
	}

	if len(divs) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO divergence (symbol, primary_price, fallback_price, delta_pct, primary_ts, fallback_ts, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()
		for _, r := range divs {
			_, err := stmt.Exec(r.Symbol, r.PrimaryPrice.String(), r.FallbackPrice.String(), r.DeltaPct.String(),
				r.PrimaryAt.UnixMilli(), r.FallbackAt.UnixMilli(), r.RecordedAt.UnixMilli())
			if err != nil {
				tx.Rollback()
				return err
			}
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
