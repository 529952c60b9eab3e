package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"price-truth/internal/model"
)

const (
	upsertRecordSQL = `INSERT INTO price_truth_records (
        product_key,
        sku,
        query_text,
        currency,
        verified_price,
        status,
        consensus,
        quotes,
        round_id,
        ttl_hours,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (product_key) DO UPDATE
    SET
        sku            = EXCLUDED.sku,
        query_text     = EXCLUDED.query_text,
        currency       = EXCLUDED.currency,
        verified_price = EXCLUDED.verified_price,
        status         = EXCLUDED.status,
        consensus      = EXCLUDED.consensus,
        quotes         = EXCLUDED.quotes,
        round_id       = EXCLUDED.round_id,
        ttl_hours      = EXCLUDED.ttl_hours,
        updated_at     = EXCLUDED.updated_at;`

	insertRoundSQL = `INSERT INTO price_truth_rounds (
        round_id,
        product_key,
        status,
        currency,
        verified_price,
        median_price,
        agreeing_sources,
        sources_count,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (round_id) DO NOTHING;`

	selectRecordColumns = `SELECT
        product_key,
        sku,
        query_text,
        currency,
        verified_price::text,
        status,
        consensus,
        quotes,
        round_id::text,
        ttl_hours,
        updated_at
    FROM price_truth_records`

	getRecordSQL = selectRecordColumns + `
    WHERE product_key = $1;`

	listRecordsSQL = selectRecordColumns + `
    ORDER BY updated_at DESC, product_key
    LIMIT $1;`

	listRoundsSQL = `SELECT
        round_id::text,
        product_key,
        status,
        currency,
        verified_price::text,
        median_price::text,
        agreeing_sources,
        sources_count,
        created_at
    FROM price_truth_rounds
    WHERE product_key = $1
      AND created_at >= $2
      AND created_at < $3
    ORDER BY created_at;`

	tryAdvisoryXactLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// pgxConn is satisfied by *pgxpool.Pool and by pgxmock pools.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore keeps records and round history in PostgreSQL.
type PostgresStore struct {
	pool pgxConn
}

var (
	_ RecordStore    = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool pgxConn) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (pgxConn, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock takes a transaction-scoped advisory lock; the returned unlock commits the transaction.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock transaction: %w", err)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryXactLockSQL, key).Scan(&acquired); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = tx.Rollback(ctx)
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 提交事务即释放 xact 锁
		_ = tx.Commit(ctxUnlock)
	}
	return unlock, true, nil
}

// SaveRecord upserts the record and appends its round in one transaction.
func (s *PostgresStore) SaveRecord(ctx context.Context, rec model.PriceTruthRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	summary := model.SummaryOf(rec)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, upsertRecordSQL,
		row.ProductKey,
		nullable(row.SKU),
		nullable(row.Query),
		row.Currency,
		nullable(row.VerifiedPrice),
		row.Status,
		row.Consensus,
		row.Quotes,
		row.RoundID,
		row.TTLHours,
		rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	if _, err := tx.Exec(ctx, insertRoundSQL,
		summary.RoundID,
		summary.ProductKey,
		string(summary.Status),
		summary.Currency,
		nullable(nullDecimal(summary.VerifiedPrice)),
		summary.MedianPrice.String(),
		summary.AgreeingSources,
		summary.SourcesCount,
		summary.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert round: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save transaction: %w", err)
	}
	return nil
}

// GetRecord loads the record of productKey.
func (s *PostgresStore) GetRecord(ctx context.Context, productKey string) (model.PriceTruthRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.PriceTruthRecord{}, err
	}
	rec, err := scanRecord(pool.QueryRow(ctx, getRecordSQL, productKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PriceTruthRecord{}, ErrNotFound
	}
	if err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("get record %s: %w", productKey, err)
	}
	return rec, nil
}

// ListRecords lists the most recently updated records.
func (s *PostgresStore) ListRecords(ctx context.Context, limit int) ([]model.PriceTruthRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	// LIMIT NULL 等价于不限制
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, queryErr := pool.Query(ctx, listRecordsSQL, limitArg)
	if queryErr != nil {
		return nil, fmt.Errorf("list records: %w", queryErr)
	}
	defer rows.Close()

	records := make([]model.PriceTruthRecord, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListRounds lists round summaries within a time window.
func (s *PostgresStore) ListRounds(ctx context.Context, productKey string, from, to time.Time) ([]model.RoundSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRoundsSQL, productKey, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list rounds: %w", queryErr)
	}
	defer rows.Close()

	rounds := make([]model.RoundSummary, 0)
	for rows.Next() {
		var (
			round     model.RoundSummary
			status    string
			verified  sql.NullString
			medianStr string
		)
		if err := rows.Scan(
			&round.RoundID,
			&round.ProductKey,
			&status,
			&round.Currency,
			&verified,
			&medianStr,
			&round.AgreeingSources,
			&round.SourcesCount,
			&round.CreatedAt,
		); err != nil {
			return nil, err
		}
		round.Status = model.Status(status)
		if round.VerifiedPrice, err = parseNullDecimal(verified); err != nil {
			return nil, fmt.Errorf("parse verified price: %w", err)
		}
		if round.MedianPrice, err = parseDecimal(medianStr); err != nil {
			return nil, fmt.Errorf("parse median price: %w", err)
		}
		rounds = append(rounds, round)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rounds, nil
}

func scanRecord(row pgx.Row) (model.PriceTruthRecord, error) {
	var (
		r         recordRow
		updatedAt time.Time
	)
	if err := row.Scan(
		&r.ProductKey,
		&r.SKU,
		&r.Query,
		&r.Currency,
		&r.VerifiedPrice,
		&r.Status,
		&r.Consensus,
		&r.Quotes,
		&r.RoundID,
		&r.TTLHours,
		&updatedAt,
	); err != nil {
		return model.PriceTruthRecord{}, err
	}
	rec, err := r.toRecord()
	if err != nil {
		return model.PriceTruthRecord{}, err
	}
	rec.UpdatedAt = updatedAt.UTC()
	return rec, nil
}
