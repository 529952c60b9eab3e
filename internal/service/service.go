package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"price-truth/internal/alerting"
	"price-truth/internal/consensus"
	"price-truth/internal/metrics"
	"price-truth/internal/model"
	"price-truth/internal/scheduler"
	"price-truth/internal/source"
	"price-truth/internal/storage"
)

var (
	// ErrNoSources means no source adapter is registered.
	ErrNoSources = errors.New("service: no sources configured")
	// ErrSourcesUnreachable means every source failed at the transport level.
	ErrSourcesUnreachable = errors.New("service: no source could be reached")
	// ErrInvalidProductKey means neither a sku nor a usable query was given.
	ErrInvalidProductKey = errors.New("service: invalid product key")
)

const (
	DefaultTTLHours          = 6.0
	DefaultFanoutConcurrency = 3
	DefaultSourceTimeout     = 45 * time.Second
)

// Options tune the service.
type Options struct {
	TTLHours          float64
	FanoutConcurrency int
	// SourceTimeout bounds one adapter call, retries included.
	SourceTimeout time.Duration
	// AdvisoryLock serialises rounds across instances when the store supports it.
	AdvisoryLock     bool
	AlertsEnabled    bool
	MoveThresholdPct decimal.Decimal
}

// Stats are aggregate counters since process start.
type Stats struct {
	TotalQueries     int64   `json:"total_queries"`
	CacheHits        int64   `json:"cache_hits"`
	SuccessfulRounds int64   `json:"successful_rounds"`
	FailedRounds     int64   `json:"failed_rounds"`
	SourcesQueried   int64   `json:"sources_queried"`
	QuotesSucceeded  int64   `json:"quotes_succeeded"`
	SuccessRate      float64 `json:"success_rate"`
}

// Service answers price queries from fresh records or by running a consensus round.
type Service struct {
	opts     Options
	adapters []source.Adapter
	engine   *consensus.Engine
	store    storage.RecordStore
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	flight singleflight.Group
	now    func() time.Time

	totalQueries     atomic.Int64
	cacheHits        atomic.Int64
	successfulRounds atomic.Int64
	failedRounds     atomic.Int64
	sourcesQueried   atomic.Int64
	quotesSucceeded  atomic.Int64
}

// New constructs the service. notifier and m may be nil.
func New(opts Options, adapters []source.Adapter, engine *consensus.Engine, store storage.RecordStore, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if opts.TTLHours <= 0 {
		opts.TTLHours = DefaultTTLHours
	}
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = DefaultFanoutConcurrency
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if engine == nil {
		engine = consensus.NewEngine(consensus.DefaultOptions())
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var locker storage.AdvisoryLocker
	if opts.AdvisoryLock {
		if l, ok := store.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}

	return &Service{
		opts:     opts,
		adapters: adapters,
		engine:   engine,
		store:    store,
		locker:   locker,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "service").Logger(),
		now:      time.Now,
	}
}

// Sources lists the registered adapter names.
func (s *Service) Sources() []string {
	names := make([]string, 0, len(s.adapters))
	for _, a := range s.adapters {
		names = append(names, a.Name())
	}
	return names
}

// Now is the service clock, exposed so read-time freshness uses the same instant.
func (s *Service) Now() time.Time {
	return s.now()
}

// GetPrice returns the fresh record of key, running a round when there is none,
// when it went stale, or when force is set. At most one round per key is in flight.
func (s *Service) GetPrice(ctx context.Context, key model.ProductKey, force bool) (model.PriceTruthRecord, error) {
	if key.SKU == "" && model.NormalizeQuery(key.Query) == "" {
		return model.PriceTruthRecord{}, ErrInvalidProductKey
	}
	s.totalQueries.Add(1)
	productKey := key.String()

	if !force {
		if rec, ok := s.fresh(ctx, productKey); ok {
			s.cacheHits.Add(1)
			s.metrics.ObserveQuery(true)
			s.logger.Debug().Str("product_key", productKey).Msg("fresh record served")
			return rec, nil
		}
	}
	s.metrics.ObserveQuery(false)

	// 调用方取消不应中断正在进行的轮次，其他等待者还需要结果
	roundCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(productKey, func() (any, error) {
		if !force {
			if rec, ok := s.fresh(roundCtx, productKey); ok {
				return rec, nil
			}
		}
		return s.runRound(roundCtx, key)
	})

	select {
	case <-ctx.Done():
		return model.PriceTruthRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.PriceTruthRecord{}, res.Err
		}
		return res.Val.(model.PriceTruthRecord).Clone(), nil
	}
}

// Refresh always runs a new round.
func (s *Service) Refresh(ctx context.Context, key model.ProductKey) (model.PriceTruthRecord, error) {
	return s.GetPrice(ctx, key, true)
}

// RefreshTick refreshes every tracked key; one key failing does not skip the others.
func (s *Service) RefreshTick(keys []model.ProductKey) scheduler.TickFunc {
	return func(ctx context.Context, at time.Time) error {
		var errs []error
		for _, key := range keys {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := s.Refresh(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("refresh %s: %w", key, err))
			}
		}
		return errors.Join(errs...)
	}
}

// Lookup reads the stored record without triggering a round.
func (s *Service) Lookup(ctx context.Context, key model.ProductKey) (model.PriceTruthRecord, error) {
	return s.store.GetRecord(ctx, key.String())
}

// ListRecords lists the latest records.
func (s *Service) ListRecords(ctx context.Context, limit int) ([]model.PriceTruthRecord, error) {
	return s.store.ListRecords(ctx, limit)
}

// History lists round summaries of key in [from, to).
func (s *Service) History(ctx context.Context, key model.ProductKey, from, to time.Time) ([]model.RoundSummary, error) {
	return s.store.ListRounds(ctx, key.String(), from, to)
}

// Ping checks the record store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	st := Stats{
		TotalQueries:     s.totalQueries.Load(),
		CacheHits:        s.cacheHits.Load(),
		SuccessfulRounds: s.successfulRounds.Load(),
		FailedRounds:     s.failedRounds.Load(),
		SourcesQueried:   s.sourcesQueried.Load(),
		QuotesSucceeded:  s.quotesSucceeded.Load(),
	}
	if rounds := st.SuccessfulRounds + st.FailedRounds; rounds > 0 {
		st.SuccessRate = math.Round(float64(st.SuccessfulRounds)/float64(rounds)*10000) / 10000
	}
	return st
}

func (s *Service) fresh(ctx context.Context, productKey string) (model.PriceTruthRecord, bool) {
	rec, err := s.store.GetRecord(ctx, productKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Str("product_key", productKey).Msg("record lookup failed")
		}
		return model.PriceTruthRecord{}, false
	}
	if !rec.IsFresh(s.now()) {
		return model.PriceTruthRecord{}, false
	}
	return rec, true
}

func (s *Service) runRound(ctx context.Context, key model.ProductKey) (model.PriceTruthRecord, error) {
	if len(s.adapters) == 0 {
		return model.PriceTruthRecord{}, ErrNoSources
	}
	productKey := key.String()
	logger := s.logger.With().Str("product_key", productKey).Logger()

	if s.locker != nil {
		unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, storage.LockKey(productKey))
		if err != nil {
			return model.PriceTruthRecord{}, fmt.Errorf("acquire advisory lock: %w", err)
		}
		if acquired {
			defer unlock()
		} else {
			// 另一个实例正在刷新，有记录就直接返回
			if rec, err := s.store.GetRecord(ctx, productKey); err == nil {
				logger.Debug().Msg("round held by another instance, serving existing record")
				return rec, nil
			}
			logger.Debug().Msg("round held by another instance and no record yet, running anyway")
		}
	}

	var previous *model.PriceTruthRecord
	if rec, err := s.store.GetRecord(ctx, productKey); err == nil {
		previous = &rec
	}

	started := s.now()
	quotes := s.fanOut(ctx, key)

	succeeded := 0
	unreachable := 0
	for _, q := range quotes {
		s.metrics.ObserveQuote(q)
		if q.Success {
			succeeded++
		} else if source.Unreachable(q) {
			unreachable++
		}
	}
	s.sourcesQueried.Add(int64(len(quotes)))
	s.quotesSucceeded.Add(int64(succeeded))

	if unreachable == len(quotes) {
		s.failedRounds.Add(1)
		logger.Warn().Int("sources", len(quotes)).Msg("no source reachable")
		return model.PriceTruthRecord{}, ErrSourcesUnreachable
	}

	result := s.engine.Compute(quotes)
	rec := model.PriceTruthRecord{
		ProductKey: productKey,
		SKU:        key.SKU,
		Query:      key.Query,
		Currency:   result.Currency,
		Quotes:     quotes,
		Consensus:  result,
		RoundID:    uuid.NewString(),
		UpdatedAt:  s.now().UTC(),
		TTLHours:   s.opts.TTLHours,
	}
	if rec.Currency == "" {
		rec.Currency = consensus.DefaultCurrency
	}
	if result.Status == model.StatusValid {
		price := result.MedianPrice
		rec.VerifiedPrice = &price
		s.successfulRounds.Add(1)
	} else {
		s.failedRounds.Add(1)
	}

	if err := s.store.SaveRecord(ctx, rec); err != nil {
		s.metrics.ObserveStoreError()
		logger.Error().Err(err).Str("round_id", rec.RoundID).Msg("failed to persist record")
	}
	// sku+query 的结果同时按 query 别名保存, 方便只知道名称的调用方命中
	for _, alias := range key.Aliases() {
		aliased := rec.Clone()
		aliased.ProductKey = alias
		if err := s.store.SaveRecord(ctx, aliased); err != nil {
			s.metrics.ObserveStoreError()
			logger.Error().Err(err).Str("alias", alias).Msg("failed to persist record alias")
		}
	}

	elapsed := s.now().Sub(started)
	s.metrics.ObserveRound(result.Status, elapsed)
	logger.Info().
		Str("round_id", rec.RoundID).
		Str("status", string(result.Status)).
		Str("median", result.MedianPrice.String()).
		Int("agreeing_sources", result.AgreeingSources).
		Int("quotes_ok", succeeded).
		Int("sources", len(quotes)).
		Dur("elapsed", elapsed).
		Msg("consensus round done")

	s.alert(ctx, previous, rec)
	return rec, nil
}

// fanOut queries every adapter with bounded concurrency and waits for all of them.
// Quotes keep adapter order.
func (s *Service) fanOut(ctx context.Context, key model.ProductKey) []model.SourceQuoteRecord {
	quotes := make([]model.SourceQuoteRecord, len(s.adapters))

	var g errgroup.Group
	g.SetLimit(s.opts.FanoutConcurrency)
	for i, adapter := range s.adapters {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, s.opts.SourceTimeout)
			defer cancel()
			quotes[i] = s.fetchQuote(sctx, adapter, key)
			return nil
		})
	}
	_ = g.Wait()
	return quotes
}

func (s *Service) fetchQuote(ctx context.Context, adapter source.Adapter, key model.ProductKey) (quote model.SourceQuoteRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("source", adapter.Name()).Interface("panic", r).Msg("source adapter panicked")
			quote = model.SourceQuoteRecord{
				SourceName: adapter.Name(),
				FetchedAt:  s.now().UTC(),
				ErrorKind:  "internal",
				Error:      fmt.Sprint(r),
			}
		}
	}()
	quote = adapter.FetchQuote(ctx, key)
	if quote.SourceName == "" {
		quote.SourceName = adapter.Name()
	}
	return quote
}

func (s *Service) alert(ctx context.Context, previous *model.PriceTruthRecord, rec model.PriceTruthRecord) {
	if !s.opts.AlertsEnabled || s.notifier == nil {
		return
	}
	note, ok := alerting.Detect(previous, rec, s.opts.MoveThresholdPct)
	if !ok {
		return
	}
	s.metrics.ObserveAlert(string(note.Kind))
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("product_key", rec.ProductKey).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}
