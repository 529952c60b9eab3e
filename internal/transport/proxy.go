package transport

import (
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Outcome is the result of a proxied request as seen by the pool.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeRateLimited
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "failure"
	}
}

const (
	scoreMax          = 1.0
	scoreMin          = -1.0
	evictionThreshold = -0.5
	successReward     = 0.1
	throttlePenalty   = 0.2
	failurePenalty    = 0.1
)

// ProxyRecord is the scored state of one egress proxy.
type ProxyRecord struct {
	Address    string    `json:"address"`
	Score      float64   `json:"score"`
	LastUsedAt time.Time `json:"last_used_at"`
	Evicted    bool      `json:"evicted"`
	order      int
}

// ProxyStats 代理池汇总。
type ProxyStats struct {
	Total        int     `json:"total"`
	Available    int     `json:"available"`
	Evicted      int     `json:"evicted"`
	AverageScore float64 `json:"average_score"`
}

// ProxyPool keeps every registered proxy; low scorers are evicted, never removed.
type ProxyPool struct {
	mu      sync.Mutex
	records map[string]*ProxyRecord
	nextSeq int
	now     func() time.Time
	logger  zerolog.Logger
}

// NewProxyPool registers the given addresses with score 0.
func NewProxyPool(addresses []string, logger zerolog.Logger) (*ProxyPool, error) {
	pool := &ProxyPool{
		records: make(map[string]*ProxyRecord),
		now:     time.Now,
		logger:  logger.With().Str("component", "proxy_pool").Logger(),
	}
	for _, addr := range addresses {
		if _, err := pool.Add(addr); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// Add registers address with score 0. Re-registering an evicted proxy reinstates it.
func (p *ProxyPool) Add(address string) (ProxyRecord, error) {
	normalized, err := normalizeProxyAddress(address)
	if err != nil {
		return ProxyRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[normalized]; ok {
		rec.Score = 0
		rec.Evicted = false
		return *rec, nil
	}
	rec := &ProxyRecord{Address: normalized, order: p.nextSeq}
	p.nextSeq++
	p.records[normalized] = rec
	return *rec, nil
}

// Select returns the best available proxy and marks it used.
// Highest score wins; ties go to the least recently used, then registration order.
func (p *ProxyPool) Select() (ProxyRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *ProxyRecord
	for _, rec := range p.records {
		if rec.Evicted {
			continue
		}
		if best == nil || better(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return ProxyRecord{}, false
	}
	best.LastUsedAt = p.now()
	return *best, true
}

func better(a, b *ProxyRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	return a.order < b.order
}

// ReportOutcome adjusts the score of address and evicts it when it drops below -0.5.
func (p *ProxyPool) ReportOutcome(address string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[address]
	if !ok {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		rec.Score = math.Min(scoreMax, rec.Score+successReward)
	case OutcomeTimeout, OutcomeRateLimited:
		rec.Score = math.Max(scoreMin, rec.Score-throttlePenalty)
	default:
		rec.Score = math.Max(scoreMin, rec.Score-failurePenalty)
	}
	// 避免浮点累积误差
	rec.Score = math.Round(rec.Score*1000) / 1000

	if rec.Score < evictionThreshold && !rec.Evicted {
		rec.Evicted = true
		p.logger.Warn().
			Str("proxy", rec.Address).
			Float64("score", rec.Score).
			Str("outcome", outcome.String()).
			Msg("proxy evicted")
	}
}

// Records returns copies of all proxies, evicted ones included, in registration order.
func (p *ProxyPool) Records() []ProxyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ProxyRecord, len(p.records))
	for _, rec := range p.records {
		out[rec.order] = *rec
	}
	return out
}

// Stats summarises the pool.
func (p *ProxyPool) Stats() ProxyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := ProxyStats{Total: len(p.records)}
	if stats.Total == 0 {
		return stats
	}
	var sum float64
	for _, rec := range p.records {
		sum += rec.Score
		if rec.Evicted {
			stats.Evicted++
		} else {
			stats.Available++
		}
	}
	stats.AverageScore = math.Round(sum/float64(stats.Total)*1000) / 1000
	return stats
}

func normalizeProxyAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", eris.New("proxy address is empty")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", eris.Wrapf(err, "parse proxy address %q", address)
	}
	if u.Host == "" {
		return "", eris.Errorf("proxy address %q has no host", address)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = ""
	return u.String(), nil
}
