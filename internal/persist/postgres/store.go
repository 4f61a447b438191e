// Package postgres provides the Postgres-backed canonical store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/adrianolucasdepaula/invest-sub002/internal/cotahist"
	"github.com/adrianolucasdepaula/invest-sub002/internal/fusion"
	"github.com/adrianolucasdepaula/invest-sub002/internal/persist"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

//go:embed schema.sql
var schemaSQL string

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// Store writes canonical records, audit rows, observations and bars.
type Store struct {
	pool pool
}

// New connects a pool and, when cfg.Migrate is set, applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.Schema != "" {
		if !validSchemaName.MatchString(cfg.Schema) {
			return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
		}
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertAsset = `
INSERT INTO canonical_assets (asset, trace_id, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (asset) DO UPDATE SET trace_id = EXCLUDED.trace_id, updated_at = EXCLUDED.updated_at`

const upsertField = `
INSERT INTO canonical_fields (
	asset, field, value, contributing_sources, rejected_sources,
	confidence, low_confidence, observed_at, updated_at, trace_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (asset, field) DO UPDATE SET
	value = EXCLUDED.value,
	contributing_sources = EXCLUDED.contributing_sources,
	rejected_sources = EXCLUDED.rejected_sources,
	confidence = EXCLUDED.confidence,
	low_confidence = EXCLUDED.low_confidence,
	observed_at = EXCLUDED.observed_at,
	updated_at = EXCLUDED.updated_at,
	trace_id = EXCLUDED.trace_id`

var (
	auditColumns = []string{
		"asset", "field", "source_tag", "raw_value", "normalized_value",
		"deviation", "deviation_class", "accepted", "observed_at", "trace_id", "recorded_at",
	}
	observationColumns = []string{"asset", "field", "value", "source_tag", "observed_at", "trace_id"}
)

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Commit upserts the canonical rows and appends audit rows and observations
// in one transaction.
func (s *Store) Commit(ctx context.Context, rec fusion.CanonicalRecord, obs []scrape.Observation) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if _, err = tx.Exec(ctx, upsertAsset, rec.Asset, rec.TraceID, rec.UpdatedAt); err != nil {
		return fmt.Errorf("upsert asset %s: %w", rec.Asset, err)
	}
	for _, name := range rec.FieldNames() {
		f := rec.Fields[name]
		_, err = tx.Exec(ctx, upsertField,
			rec.Asset, name, f.Value, nonNil(f.ContributingSources), nonNil(f.RejectedSources),
			f.Confidence, f.LowConfidence, f.ObservedAt, f.UpdatedAt, f.TraceID,
		)
		if err != nil {
			return fmt.Errorf("upsert field %s.%s: %w", rec.Asset, name, err)
		}
	}

	if rows := persist.AuditRows(rec); len(rows) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"fusion_audit"}, auditColumns,
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				r := rows[i]
				return []any{
					r.Asset, r.Field, r.Source, r.Raw, r.Normalized,
					r.Deviation, string(r.Class), r.Accepted, r.ObservedAt, r.TraceID, r.RecordedAt,
				}, nil
			}))
		if err != nil {
			return fmt.Errorf("insert audit rows: %w", err)
		}
	}
	if len(obs) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"observations"}, observationColumns,
			pgx.CopyFromSlice(len(obs), func(i int) ([]any, error) {
				o := obs[i]
				return []any{o.Asset, o.Field, o.Value, o.Source, o.ObservedAt, o.TraceID}, nil
			}))
		if err != nil {
			return fmt.Errorf("insert observations: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", rec.Asset, err)
	}
	return nil
}

const selectObservations = `
SELECT asset, field, value, source_tag, observed_at, trace_id
FROM observations
WHERE asset = $1 AND observed_at >= $2
ORDER BY observed_at, id`

// RecentObservations returns the asset's observations at or after since.
func (s *Store) RecentObservations(ctx context.Context, asset string, since time.Time) ([]scrape.Observation, error) {
	rows, err := s.pool.Query(ctx, selectObservations, asset, since)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scrape.Observation, error) {
		var o scrape.Observation
		err := row.Scan(&o.Asset, &o.Field, &o.Value, &o.Source, &o.ObservedAt, &o.TraceID)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan observations: %w", err)
	}
	return out, nil
}

const selectCanonical = `
SELECT f.field, f.value, f.contributing_sources, f.rejected_sources, f.confidence,
	f.low_confidence, f.observed_at, f.updated_at, f.trace_id, a.trace_id, a.updated_at
FROM canonical_fields f
JOIN canonical_assets a ON a.asset = f.asset
WHERE f.asset = $1
ORDER BY f.field`

// Canonical reads the current record of asset.
func (s *Store) Canonical(ctx context.Context, asset string) (fusion.CanonicalRecord, error) {
	rows, err := s.pool.Query(ctx, selectCanonical, asset)
	if err != nil {
		return fusion.CanonicalRecord{}, fmt.Errorf("query canonical %s: %w", asset, err)
	}
	rec := fusion.CanonicalRecord{Asset: asset, Fields: make(map[string]fusion.FieldRecord)}
	_, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (struct{}, error) {
		var (
			name string
			f    fusion.FieldRecord
		)
		err := row.Scan(&name, &f.Value, &f.ContributingSources, &f.RejectedSources, &f.Confidence,
			&f.LowConfidence, &f.ObservedAt, &f.UpdatedAt, &f.TraceID, &rec.TraceID, &rec.UpdatedAt)
		rec.Fields[name] = f
		return struct{}{}, err
	})
	if err != nil {
		return fusion.CanonicalRecord{}, fmt.Errorf("scan canonical %s: %w", asset, err)
	}
	if len(rec.Fields) == 0 {
		return fusion.CanonicalRecord{}, fmt.Errorf("%s: %w", asset, persist.ErrNotFound)
	}
	return rec, nil
}

const upsertBars = `
INSERT INTO historical_bars (
	asset, trade_date, open, high, low, close, avg_price, best_bid, best_ask,
	volume, trades_count, bdi_code, company_name, stock_type, market_type
)
SELECT * FROM unnest(
	$1::text[], $2::date[],
	$3::text[]::numeric[], $4::text[]::numeric[], $5::text[]::numeric[], $6::text[]::numeric[],
	$7::text[]::numeric[], $8::text[]::numeric[], $9::text[]::numeric[],
	$10::int8[], $11::int8[], $12::text[], $13::text[], $14::text[], $15::text[]
)
ON CONFLICT (asset, trade_date) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	avg_price = EXCLUDED.avg_price,
	best_bid = EXCLUDED.best_bid,
	best_ask = EXCLUDED.best_ask,
	volume = EXCLUDED.volume,
	trades_count = EXCLUDED.trades_count,
	bdi_code = EXCLUDED.bdi_code,
	company_name = EXCLUDED.company_name,
	stock_type = EXCLUDED.stock_type,
	market_type = EXCLUDED.market_type`

func numericText(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.StringFixed(2)
	return &s
}

// barColumns transposes bars into the column arrays of upsertBars.
func barColumns(bars []cotahist.Bar) []any {
	n := len(bars)
	var (
		assets  = make([]string, n)
		dates   = make([]time.Time, n)
		prices  = make([][]*string, 7)
		volumes = make([]*int64, n)
		trades  = make([]*int64, n)
		bdi     = make([]string, n)
		names   = make([]string, n)
		types   = make([]string, n)
		markets = make([]string, n)
	)
	for i := range prices {
		prices[i] = make([]*string, n)
	}
	for i, b := range bars {
		assets[i] = b.Asset
		dates[i] = b.TradeDate
		for j, p := range []decimal.NullDecimal{b.Open, b.High, b.Low, b.Close, b.AvgPrice, b.BestBid, b.BestAsk} {
			prices[j][i] = numericText(p)
		}
		volumes[i] = b.Volume
		trades[i] = b.TradesCount
		bdi[i] = b.BDICode
		names[i] = b.CompanyName
		types[i] = b.StockType
		markets[i] = b.MarketType
	}
	return []any{
		assets, dates,
		prices[0], prices[1], prices[2], prices[3], prices[4], prices[5], prices[6],
		volumes, trades, bdi, names, types, markets,
	}
}

// UpsertBars writes one batch of bars in a single statement.
func (s *Store) UpsertBars(ctx context.Context, bars []cotahist.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, upsertBars, barColumns(bars)...)
	if err != nil {
		return 0, fmt.Errorf("upsert %d bars: %w", len(bars), err)
	}
	return tag.RowsAffected(), nil
}

var _ persist.Store = (*Store)(nil)
