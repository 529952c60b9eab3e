package storage

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"price-truth/internal/model"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when no record exists for a product key.
	ErrNotFound = errors.New("storage: record not found")
)

// RecordStore persists one PriceTruthRecord per product key plus an append-only round history.
type RecordStore interface {
	GetRecord(ctx context.Context, productKey string) (model.PriceTruthRecord, error)
	// SaveRecord overwrites the record of its product key and appends its round summary.
	SaveRecord(ctx context.Context, rec model.PriceTruthRecord) error
	// ListRecords returns the most recently updated records first.
	ListRecords(ctx context.Context, limit int) ([]model.PriceTruthRecord, error)
	// ListRounds returns rounds with from <= created_at < to, oldest first.
	ListRounds(ctx context.Context, productKey string, from, to time.Time) ([]model.RoundSummary, error)
	Ping(ctx context.Context) error
	Close()
}

// AdvisoryLocker exposes cross-process advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// LockKey hashes a product key into an advisory lock id.
func LockKey(productKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(productKey))
	return int64(h.Sum64())
}
