package consensus

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"price-truth/internal/model"
)

// MethodMedianTrim is reported on every result.
const MethodMedianTrim = "median_trim"

// Options 共识计算参数。
type Options struct {
	// TolerancePct is the distance from the median, in percent, within which a quote agrees.
	TolerancePct decimal.Decimal
	// TrimFraction drops this share of candidates from each end after IQR removal. 0 disables it.
	TrimFraction float64
	// MinAgreeing is the number of agreeing quotes required for a valid result.
	MinAgreeing int
}

// DefaultOptions returns tolerance 3% and two agreeing sources.
func DefaultOptions() Options {
	return Options{TolerancePct: decimal.NewFromInt(3), MinAgreeing: 2}
}

// Engine reconciles the quotes of one round.
type Engine struct {
	opts Options
}

// NewEngine fills zero options with defaults.
func NewEngine(opts Options) *Engine {
	if !opts.TolerancePct.IsPositive() {
		opts.TolerancePct = decimal.NewFromInt(3)
	}
	if opts.MinAgreeing < 2 {
		opts.MinAgreeing = 2
	}
	if opts.TrimFraction < 0 || opts.TrimFraction >= 0.5 {
		opts.TrimFraction = 0
	}
	return &Engine{opts: opts}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

type candidate struct {
	name  string
	price decimal.Decimal
}

// Compute is order independent: the same set of quotes always gives the same result.
func (e *Engine) Compute(quotes []model.SourceQuoteRecord) model.ConsensusResult {
	result := model.ConsensusResult{
		Method:             MethodMedianTrim,
		TolerancePct:       e.opts.TolerancePct,
		OutlierSourceNames: []string{},
		Status:             model.StatusInsufficientEvidence,
	}

	var usable []model.SourceQuoteRecord
	for _, q := range quotes {
		if q.Success && q.Price.IsPositive() {
			usable = append(usable, q)
		}
	}
	result.CandidateCount = len(usable)
	if len(usable) == 0 {
		return result
	}

	result.Currency = dominantCurrency(usable)
	outliers := make(map[string]struct{})
	var candidates []candidate
	for _, q := range usable {
		if q.Currency != "" && q.Currency != result.Currency {
			outliers[q.SourceName] = struct{}{}
			continue
		}
		candidates = append(candidates, candidate{name: q.SourceName, price: q.Price})
	}
	// 按价格排序，保证结果与报价顺序无关
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].price.Equal(candidates[j].price) {
			return candidates[i].price.LessThan(candidates[j].price)
		}
		return candidates[i].name < candidates[j].name
	})

	prices := make([]decimal.Decimal, len(candidates))
	for i, c := range candidates {
		prices[i] = c.price
	}
	flagged := make(map[int]struct{})
	for _, idx := range DetectOutliers(prices) {
		flagged[idx] = struct{}{}
	}
	kept := candidates[:0:0]
	for i, c := range candidates {
		if _, ok := flagged[i]; ok {
			outliers[c.name] = struct{}{}
			continue
		}
		kept = append(kept, c)
	}

	kept = e.trim(kept, outliers)
	result.OutlierSourceNames = sortedNames(outliers)

	if len(kept) < 2 {
		return result
	}

	remaining := make([]decimal.Decimal, len(kept))
	for i, c := range kept {
		remaining[i] = c.price
	}
	median := Median(remaining)
	result.MedianPrice = median
	result.Stdev = populationStdev(remaining)

	band := median.Mul(e.opts.TolerancePct).Div(decimal.NewFromInt(100))
	for _, p := range remaining {
		if p.Sub(median).Abs().LessThanOrEqual(band) {
			result.AgreeingSources++
		}
	}

	if result.AgreeingSources >= e.opts.MinAgreeing {
		result.Status = model.StatusValid
	} else {
		result.Status = model.StatusOutlierDetected
	}
	return result
}

// trim drops floor(n·TrimFraction) candidates from each end, keeping at least two.
func (e *Engine) trim(sorted []candidate, outliers map[string]struct{}) []candidate {
	if e.opts.TrimFraction <= 0 {
		return sorted
	}
	k := int(math.Floor(float64(len(sorted)) * e.opts.TrimFraction))
	if k == 0 || len(sorted)-2*k < 2 {
		return sorted
	}
	for _, c := range sorted[:k] {
		outliers[c.name] = struct{}{}
	}
	for _, c := range sorted[len(sorted)-k:] {
		outliers[c.name] = struct{}{}
	}
	return sorted[k : len(sorted)-k]
}

// dominantCurrency is the most frequent currency; ties resolve alphabetically.
func dominantCurrency(quotes []model.SourceQuoteRecord) string {
	counts := make(map[string]int)
	for _, q := range quotes {
		if q.Currency != "" {
			counts[q.Currency]++
		}
	}
	best, bestCount := "", 0
	for code, n := range counts {
		if n > bestCount || (n == bestCount && code < best) {
			best, bestCount = code, n
		}
	}
	if best == "" {
		return DefaultCurrency
	}
	return best
}

func populationStdev(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) < 2 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(len(prices)))
	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	mean := sum.Div(n)
	variance := decimal.Zero
	for _, p := range prices {
		d := p.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	v, _ := variance.Div(n).Float64()
	return decimal.NewFromFloat(math.Sqrt(v)).Round(4)
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
