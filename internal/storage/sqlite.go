package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"price-truth/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS price_truth_records (
	product_key    TEXT PRIMARY KEY,
	sku            TEXT,
	query_text     TEXT,
	currency       TEXT NOT NULL,
	verified_price TEXT,
	status         TEXT NOT NULL,
	consensus      TEXT NOT NULL,
	quotes         TEXT NOT NULL,
	round_id       TEXT NOT NULL,
	ttl_hours      REAL NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_truth_rounds (
	round_id         TEXT PRIMARY KEY,
	product_key      TEXT NOT NULL,
	status           TEXT NOT NULL,
	currency         TEXT NOT NULL,
	verified_price   TEXT,
	median_price     TEXT NOT NULL,
	agreeing_sources INTEGER NOT NULL,
	sources_count    INTEGER NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_sku ON price_truth_records(sku);
CREATE INDEX IF NOT EXISTS idx_records_query ON price_truth_records(query_text);
CREATE INDEX IF NOT EXISTS idx_records_updated ON price_truth_records(updated_at);
CREATE INDEX IF NOT EXISTS idx_rounds_key_created ON price_truth_rounds(product_key, created_at);
`

const (
	sqliteUpsertRecordSQL = `INSERT INTO price_truth_records (
	product_key, sku, query_text, currency, verified_price, status, consensus, quotes, round_id, ttl_hours, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (product_key) DO UPDATE SET
	sku = excluded.sku,
	query_text = excluded.query_text,
	currency = excluded.currency,
	verified_price = excluded.verified_price,
	status = excluded.status,
	consensus = excluded.consensus,
	quotes = excluded.quotes,
	round_id = excluded.round_id,
	ttl_hours = excluded.ttl_hours,
	updated_at = excluded.updated_at`

	sqliteInsertRoundSQL = `INSERT OR IGNORE INTO price_truth_rounds (
	round_id, product_key, status, currency, verified_price, median_price, agreeing_sources, sources_count, created_at
) VALUES (?,?,?,?,?,?,?,?,?)`

	sqliteSelectRecordSQL = `SELECT product_key, sku, query_text, currency, verified_price, status, consensus, quotes, round_id, ttl_hours, updated_at
FROM price_truth_records`

	sqliteListRoundsSQL = `SELECT round_id, product_key, status, currency, verified_price, median_price, agreeing_sources, sources_count, created_at
FROM price_truth_rounds
WHERE product_key = ? AND created_at >= ? AND created_at < ?
ORDER BY created_at`
)

// sqliteTime sorts lexically in the same order as the instants it encodes.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements RecordStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ RecordStore = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) a database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// 单连接，保证 :memory: 数据库在连接间共享
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec model.PriceTruthRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	summary := model.SummaryOf(rec)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteUpsertRecordSQL,
		row.ProductKey,
		row.SKU,
		row.Query,
		row.Currency,
		row.VerifiedPrice,
		row.Status,
		string(row.Consensus),
		string(row.Quotes),
		row.RoundID,
		row.TTLHours,
		rec.UpdatedAt.UTC().Format(sqliteTime),
	); err != nil {
		return fmt.Errorf("sqlite: upsert record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqliteInsertRoundSQL,
		summary.RoundID,
		summary.ProductKey,
		string(summary.Status),
		summary.Currency,
		nullDecimal(summary.VerifiedPrice),
		summary.MedianPrice.String(),
		summary.AgreeingSources,
		summary.SourcesCount,
		summary.CreatedAt.UTC().Format(sqliteTime),
	); err != nil {
		return fmt.Errorf("sqlite: insert round: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, productKey string) (model.PriceTruthRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectRecordSQL+` WHERE product_key = ?`, productKey)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PriceTruthRecord{}, ErrNotFound
	}
	if err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("sqlite: get record %s: %w", productKey, err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, limit int) ([]model.PriceTruthRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sqliteSelectRecordSQL+` ORDER BY updated_at DESC, product_key LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list records: %w", err)
	}
	defer rows.Close()

	records := make([]model.PriceTruthRecord, 0)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ListRounds(ctx context.Context, productKey string, from, to time.Time) ([]model.RoundSummary, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListRoundsSQL,
		productKey,
		from.UTC().Format(sqliteTime),
		to.UTC().Format(sqliteTime),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rounds: %w", err)
	}
	defer rows.Close()

	rounds := make([]model.RoundSummary, 0)
	for rows.Next() {
		var (
			round     model.RoundSummary
			status    string
			verified  sql.NullString
			medianStr string
			created   string
		)
		if err := rows.Scan(&round.RoundID, &round.ProductKey, &status, &round.Currency, &verified,
			&medianStr, &round.AgreeingSources, &round.SourcesCount, &created); err != nil {
			return nil, err
		}
		round.Status = model.Status(status)
		if round.VerifiedPrice, err = parseNullDecimal(verified); err != nil {
			return nil, fmt.Errorf("sqlite: parse verified price: %w", err)
		}
		if round.MedianPrice, err = parseDecimal(medianStr); err != nil {
			return nil, fmt.Errorf("sqlite: parse median price: %w", err)
		}
		if round.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at: %w", err)
		}
		rounds = append(rounds, round)
	}
	return rounds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (model.PriceTruthRecord, error) {
	var (
		r         recordRow
		consensus string
		quotes    string
		updated   string
	)
	if err := row.Scan(&r.ProductKey, &r.SKU, &r.Query, &r.Currency, &r.VerifiedPrice, &r.Status,
		&consensus, &quotes, &r.RoundID, &r.TTLHours, &updated); err != nil {
		return model.PriceTruthRecord{}, err
	}
	r.Consensus = []byte(consensus)
	r.Quotes = []byte(quotes)
	rec, err := r.toRecord()
	if err != nil {
		return model.PriceTruthRecord{}, err
	}
	if rec.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("sqlite: parse updated_at: %w", err)
	}
	return rec, nil
}
