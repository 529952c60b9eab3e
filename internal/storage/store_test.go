package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-truth/internal/model"
)

func sampleRecord(key, roundID string, updated time.Time, price *decimal.Decimal) model.PriceTruthRecord {
	status := model.StatusInsufficientEvidence
	if price != nil {
		status = model.StatusValid
	}
	return model.PriceTruthRecord{
		ProductKey:    key,
		SKU:           "AB-1",
		Currency:      "EUR",
		VerifiedPrice: price,
		Quotes: []model.SourceQuoteRecord{
			{SourceName: "fnac", Price: decimal.RequireFromString("10.00"), Currency: "EUR", SourceURL: "https://www.fnac.com/x", SelectorUsed: ".userPrice", FetchedAt: updated, Success: true},
			{SourceName: "amazon", SourceURL: "https://www.amazon.fr/dp/x", FetchedAt: updated, ErrorKind: "network_timeout", Error: "timeout"},
		},
		Consensus: model.ConsensusResult{
			Method:             "median_trim",
			Currency:           "EUR",
			MedianPrice:        decimal.RequireFromString("10.00"),
			Stdev:              decimal.Zero,
			AgreeingSources:    2,
			CandidateCount:     2,
			OutlierSourceNames: []string{},
			TolerancePct:       decimal.NewFromInt(3),
			Status:             status,
		},
		RoundID:   roundID,
		UpdatedAt: updated,
		TTLHours:  6,
	}
}

func priceOf(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// exerciseStore runs the shared RecordStore contract.
func exerciseStore(t *testing.T, store RecordStore) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.GetRecord(ctx, "sku:AB-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveRecord(ctx, sampleRecord("sku:AB-1", "00000000-0000-0000-0000-000000000001", t0, priceOf("10.00"))))
	require.NoError(t, store.SaveRecord(ctx, sampleRecord("sku:AB-1", "00000000-0000-0000-0000-000000000002", t0.Add(time.Hour), nil)))
	require.NoError(t, store.SaveRecord(ctx, sampleRecord("q:casque", "00000000-0000-0000-0000-000000000003", t0.Add(30*time.Minute), priceOf("99.5"))))

	got, err := store.GetRecord(ctx, "sku:AB-1")
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000002", got.RoundID)
	assert.Nil(t, got.VerifiedPrice, "overwritten record has no price")
	assert.Equal(t, model.StatusInsufficientEvidence, got.Consensus.Status)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Hour)))
	require.Len(t, got.Quotes, 2)
	assert.Equal(t, ".userPrice", got.Quotes[0].SelectorUsed)
	assert.Equal(t, "network_timeout", got.Quotes[1].ErrorKind)

	records, err := store.ListRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "sku:AB-1", records[0].ProductKey)
	assert.Equal(t, "q:casque", records[1].ProductKey)
	assert.True(t, records[1].VerifiedPrice.Equal(decimal.RequireFromString("99.5")))

	rounds, err := store.ListRounds(ctx, "sku:AB-1", t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, model.StatusValid, rounds[0].Status)
	assert.True(t, rounds[0].VerifiedPrice.Equal(decimal.RequireFromString("10")))
	assert.Nil(t, rounds[1].VerifiedPrice)
	assert.Equal(t, 2, rounds[1].SourcesCount)

	rounds, err = store.ListRounds(ctx, "sku:AB-1", t0.Add(time.Minute), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, rounds, 1)

	require.NoError(t, store.Ping(ctx))
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("sku:X", "r1", time.Now(), priceOf("5"))
	require.NoError(t, store.SaveRecord(ctx, rec))

	rec.Quotes[0].SourceName = "mutated"
	got, err := store.GetRecord(ctx, "sku:X")
	require.NoError(t, err)
	assert.Equal(t, "fnac", got.Quotes[0].SourceName)

	got.Quotes[0].SourceName = "mutated again"
	again, _ := store.GetRecord(ctx, "sku:X")
	assert.Equal(t, "fnac", again.Quotes[0].SourceName)
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeKV) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func (f *fakeKV) Set(key string, val []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), val...)
	return nil
}

func (f *fakeKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Close() error { return nil }

func TestRedisStoreContract(t *testing.T) {
	exerciseStore(t, NewRedisStore(&fakeKV{data: map[string][]byte{}}, 0))
}

func TestRedisStoreCapsHistory(t *testing.T) {
	store := NewRedisStore(&fakeKV{data: map[string][]byte{}}, 3)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := sampleRecord("sku:AB-1", string(rune('a'+i)), t0.Add(time.Duration(i)*time.Hour), nil)
		require.NoError(t, store.SaveRecord(ctx, rec))
	}
	rounds, err := store.ListRounds(ctx, "sku:AB-1", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	assert.Equal(t, "c", rounds[0].RoundID)
}

func TestLockKeyIsStable(t *testing.T) {
	assert.Equal(t, LockKey("sku:AB-1"), LockKey("sku:AB-1"))
	assert.NotEqual(t, LockKey("sku:AB-1"), LockKey("sku:AB-2"))
}
