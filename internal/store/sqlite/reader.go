package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricerouter/internal/model"
)

// Reader provides read-only access to the price journal.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// Ticks returns journaled updates for symbol with an event time after
// since, ordered by event time.
func (r *Reader) Ticks(ctx context.Context, symbol string, since time.Time) ([]model.PriceUpdate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, source, ts, price, change_pct, volume
		FROM price_ticks
		WHERE symbol = ? AND ts > ?
		ORDER BY ts ASC
	`, symbol, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query price_ticks: %w", err)
	}
	defer rows.Close()

	var out []model.PriceUpdate
	for rows.Next() {
		u, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// LatestTick returns the newest journaled update for symbol.
// ok is false when nothing has been journaled yet.
func (r *Reader) LatestTick(ctx context.Context, symbol string) (u model.PriceUpdate, ok bool, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT symbol, source, ts, price, change_pct, volume
		FROM price_ticks
		WHERE symbol = ?
		ORDER BY ts DESC
		LIMIT 1
	`, symbol)
	u, err = scanTick(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PriceUpdate{}, false, nil
	}
	if err != nil {
		return model.PriceUpdate{}, false, err
	}
	return u, true, nil
}

// Divergence returns up to limit of the most recent divergence records for
// symbol, newest first.
func (r *Reader) Divergence(ctx context.Context, symbol string, limit int) ([]model.DivergenceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, primary_price, fallback_price, delta_pct, primary_ts, fallback_ts, recorded_at
		FROM divergence
		WHERE symbol = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query divergence: %w", err)
	}
	defer rows.Close()

	var out []model.DivergenceRecord
	for rows.Next() {
		var (
			rec                model.DivergenceRecord
			pp, fp, dp         string
			pts, fts, recorded int64
		)
		if err := rows.Scan(&rec.Symbol, &pp, &fp, &dp, &pts, &fts, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite scan divergence: %w", err)
		}
		if rec.PrimaryPrice, err = decimal.NewFromString(pp); err != nil {
			return nil, fmt.Errorf("sqlite divergence primary_price: %w", err)
		}
		if rec.FallbackPrice, err = decimal.NewFromString(fp); err != nil {
			return nil, fmt.Errorf("sqlite divergence fallback_price: %w", err)
		}
		if rec.DeltaPct, err = decimal.NewFromString(dp); err != nil {
			return nil, fmt.Errorf("sqlite divergence delta_pct: %w", err)
		}
		rec.PrimaryAt = time.UnixMilli(pts).UTC()
		rec.FallbackAt = time.UnixMilli(fts).UTC()
		rec.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTick(s scanner) (model.PriceUpdate, error) {
	var (
		u                    model.PriceUpdate
		source, px, pct, vol string
		ts                   int64
	)
	if err := s.Scan(&u.Symbol, &source, &ts, &px, &pct, &vol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, err
		}
		return u, fmt.Errorf("sqlite scan price_ticks: %w", err)
	}
	if err := u.Source.UnmarshalText([]byte(source)); err != nil {
		return u, err
	}
	var err error
	if u.Price, err = decimal.NewFromString(px); err != nil {
		return u, fmt.Errorf("sqlite price: %w", err)
	}
	if u.PriceChangePercent, err = decimal.NewFromString(pct); err != nil {
		return u, fmt.Errorf("sqlite change_pct: %w", err)
	}
	if u.Volume, err = decimal.NewFromString(vol); err != nil {
		return u, fmt.Errorf("sqlite volume: %w", err)
	}
	u.EventTimestamp = time.UnixMilli(ts).UTC()
	return u, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
