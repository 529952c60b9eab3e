package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"price-truth/internal/model"
)

// MemoryStore is the in-process RecordStore. It hands out copies only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.PriceTruthRecord
	rounds  map[string][]model.RoundSummary
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.PriceTruthRecord),
		rounds:  make(map[string][]model.RoundSummary),
	}
}

func (s *MemoryStore) GetRecord(_ context.Context, productKey string) (model.PriceTruthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[productKey]
	if !ok {
		return model.PriceTruthRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec model.PriceTruthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ProductKey] = rec.Clone()
	for _, r := range s.rounds[rec.ProductKey] {
		if r.RoundID == rec.RoundID {
			return nil
		}
	}
	s.rounds[rec.ProductKey] = append(s.rounds[rec.ProductKey], model.SummaryOf(rec))
	return nil
}

func (s *MemoryStore) ListRecords(_ context.Context, limit int) ([]model.PriceTruthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PriceTruthRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListRounds(_ context.Context, productKey string, from, to time.Time) ([]model.RoundSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RoundSummary, 0)
	for _, r := range s.rounds[productKey] {
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		if r.VerifiedPrice != nil {
			price := *r.VerifiedPrice
			r.VerifiedPrice = &price
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() {}

func sortRecords(records []model.PriceTruthRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].ProductKey < records[j].ProductKey
	})
}
