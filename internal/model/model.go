package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status classifies the outcome of a consensus round.
type Status string

const (
	StatusValid                Status = "valid"
	StatusInsufficientEvidence Status = "insufficient_evidence"
	StatusOutlierDetected      Status = "outlier_detected"
	// StatusStaleData is never stored; it is derived at read time.
	StatusStaleData Status = "stale_data"
)

// SourceQuoteRecord is one source's observation within a consensus round.
type SourceQuoteRecord struct {
	SourceName     string          `json:"source_name"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency,omitempty"`
	CurrencySource string          `json:"currency_source,omitempty"`
	SourceURL      string          `json:"source_url"`
	SelectorUsed   string          `json:"selector_used,omitempty"`
	FetchedAt      time.Time       `json:"fetched_at"`
	Success        bool            `json:"success"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ConsensusResult is the immutable output of one reconciliation.
type ConsensusResult struct {
	Method             string          `json:"method"`
	Currency           string          `json:"currency"`
	MedianPrice        decimal.Decimal `json:"median_price"`
	Stdev              decimal.Decimal `json:"stdev"`
	AgreeingSources    int             `json:"agreeing_sources"`
	CandidateCount     int             `json:"candidate_count"`
	OutlierSourceNames []string        `json:"outlier_source_names"`
	TolerancePct       decimal.Decimal `json:"tolerance_pct"`
	Status             Status          `json:"status"`
}

// PriceTruthRecord is the verified price state of a single product key.
type PriceTruthRecord struct {
	ProductKey    string              `json:"product_key"`
	SKU           string              `json:"sku,omitempty"`
	Query         string              `json:"query,omitempty"`
	Currency      string              `json:"currency"`
	VerifiedPrice *decimal.Decimal    `json:"verified_price"`
	Quotes        []SourceQuoteRecord `json:"quotes"`
	Consensus     ConsensusResult     `json:"consensus"`
	RoundID       string              `json:"round_id"`
	UpdatedAt     time.Time           `json:"updated_at"`
	TTLHours      float64             `json:"ttl_hours"`
}

// TTL returns the freshness window of the record.
func (r PriceTruthRecord) TTL() time.Duration {
	return time.Duration(r.TTLHours * float64(time.Hour))
}

// NextUpdateETA is the instant after which the record is stale.
func (r PriceTruthRecord) NextUpdateETA() time.Time {
	return r.UpdatedAt.Add(r.TTL())
}

// IsFresh reports whether now is still within updated_at + ttl.
func (r PriceTruthRecord) IsFresh(now time.Time) bool {
	return !now.After(r.NextUpdateETA())
}

// EffectiveStatus is the consensus status, or stale_data once the TTL elapsed.
func (r PriceTruthRecord) EffectiveStatus(now time.Time) Status {
	if !r.IsFresh(now) {
		return StatusStaleData
	}
	return r.Consensus.Status
}

// SuccessfulQuotes counts quotes that produced a price.
func (r PriceTruthRecord) SuccessfulQuotes() int {
	n := 0
	for _, q := range r.Quotes {
		if q.Success {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r PriceTruthRecord) Clone() PriceTruthRecord {
	out := r
	if r.VerifiedPrice != nil {
		price := *r.VerifiedPrice
		out.VerifiedPrice = &price
	}
	if r.Quotes != nil {
		out.Quotes = append([]SourceQuoteRecord(nil), r.Quotes...)
	}
	if r.Consensus.OutlierSourceNames != nil {
		out.Consensus.OutlierSourceNames = append([]string(nil), r.Consensus.OutlierSourceNames...)
	}
	return out
}

// RoundSummary is the append-only history entry written for every round.
type RoundSummary struct {
	RoundID         string           `json:"round_id"`
	ProductKey      string           `json:"product_key"`
	Status          Status           `json:"status"`
	Currency        string           `json:"currency"`
	VerifiedPrice   *decimal.Decimal `json:"verified_price"`
	MedianPrice     decimal.Decimal  `json:"median_price"`
	AgreeingSources int              `json:"agreeing_sources"`
	SourcesCount    int              `json:"sources_count"`
	CreatedAt       time.Time        `json:"created_at"`
}

// SummaryOf derives the history entry of a record.
func SummaryOf(r PriceTruthRecord) RoundSummary {
	s := RoundSummary{
		RoundID:         r.RoundID,
		ProductKey:      r.ProductKey,
		Status:          r.Consensus.Status,
		Currency:        r.Currency,
		MedianPrice:     r.Consensus.MedianPrice,
		AgreeingSources: r.Consensus.AgreeingSources,
		SourcesCount:    len(r.Quotes),
		CreatedAt:       r.UpdatedAt,
	}
	if r.VerifiedPrice != nil {
		price := *r.VerifiedPrice
		s.VerifiedPrice = &price
	}
	return s
}
