package consensus

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"price-truth/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decs(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = dec(v)
	}
	return out
}

func quote(name, price, currency string) model.SourceQuoteRecord {
	return model.SourceQuoteRecord{SourceName: name, Price: dec(price), Currency: currency, Success: true}
}

func TestCleanPriceFormats(t *testing.T) {
	cases := []struct {
		raw      string
		hint     Hint
		amount   string
		currency string
		from     string
	}{
		{"1.234,56 €", Hint{}, "1234.56", "EUR", CurrencyFromText},
		{"$1,234.56", Hint{}, "1234.56", "USD", CurrencyFromText},
		{"US$ 99.90", Hint{}, "99.90", "USD", CurrencyFromText},
		{"£12.50", Hint{}, "12.50", "GBP", CurrencyFromText},
		{"CHF 1'299.00", Hint{}, "1299.00", "CHF", CurrencyFromText},
		{"1 234,56", Hint{Domain: "www.fnac.com", Currency: "eur"}, "1234.56", "EUR", CurrencyFromHint},
		{"Prix : 19,99", Hint{Domain: "https://www.cdiscount.fr/p"}, "19.99", "EUR", CurrencyFromDomain},
		{"49.99", Hint{Domain: "amazon.co.uk", Currency: "EUR"}, "49.99", "GBP", CurrencyFromDomain},
		{"1,299", Hint{Currency: "USD"}, "1299", "USD", CurrencyFromHint},
		{"1.299", Hint{}, "1299", "EUR", CurrencyFromDefault},
		{"12,5", Hint{}, "12.5", "EUR", CurrencyFromDefault},
		{"1.234.567,89 EUR", Hint{}, "1234567.89", "EUR", CurrencyFromText},
		{"299.00USD", Hint{}, "299.00", "USD", CurrencyFromText},
		{"1\u00a0234,56\u00a0€", Hint{}, "1234.56", "EUR", CurrencyFromText},
		{"1\u202f299 €", Hint{}, "1299", "EUR", CurrencyFromText},
		{"Lot de 3 24,90 €", Hint{}, "24.90", "EUR", CurrencyFromText},
		{"2 x 19,99 €", Hint{}, "19.99", "EUR", CurrencyFromText},
		{"Qté 1 19,99 €", Hint{}, "19.99", "EUR", CurrencyFromText},
		{"Qté 1 1999 €", Hint{}, "1999", "EUR", CurrencyFromText},
		{"€ 45,00 (2 articles)", Hint{}, "45.00", "EUR", CurrencyFromText},
	}
	for _, tc := range cases {
		got, err := CleanPrice(tc.raw, tc.hint)
		if err != nil {
			t.Fatalf("CleanPrice(%q): %v", tc.raw, err)
		}
		if !got.Amount.Equal(dec(tc.amount)) || got.Currency != tc.currency || got.CurrencySource != tc.from {
			t.Errorf("CleanPrice(%q) = %s %s (%s), want %s %s (%s)",
				tc.raw, got.Amount, got.Currency, got.CurrencySource, tc.amount, tc.currency, tc.from)
		}
	}
}

func TestCleanPriceAmbiguousCurrencyDefaults(t *testing.T) {
	got, err := CleanPrice("42,00", Hint{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Ambiguous() || got.Currency != DefaultCurrency {
		t.Fatalf("无币种线索时应默认 EUR: %+v", got)
	}
}

func TestCleanPriceFailures(t *testing.T) {
	if _, err := CleanPrice("Rupture de stock", Hint{}); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
	if _, err := CleanPrice("0,00 €", Hint{}); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if _, err := CleanPrice("1,2.3,4", Hint{}); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for mixed separators, got %v", err)
	}
}

func TestDetectOutliersFlagsFarValue(t *testing.T) {
	got := DetectOutliers(decs("100", "102", "101", "103", "500"))
	if !reflect.DeepEqual(got, []int{4}) {
		t.Fatalf("500 应被判为离群值, got %v", got)
	}
	if DetectOutliers(decs("100", "500")) != nil {
		t.Fatal("two points cannot define an IQR")
	}
	if DetectOutliers(decs("100", "100", "100", "100")) != nil {
		t.Fatal("identical prices have no outliers")
	}
}

func TestQuartilesInterpolate(t *testing.T) {
	q1, q3 := Quartiles(decs("99.99", "100.00", "100.50", "400.00"))
	if !q1.Equal(dec("99.9975")) || !q3.Equal(dec("175.375")) {
		t.Fatalf("unexpected quartiles %s %s", q1, q3)
	}
}

func TestComputeExcludesOutlierAndValidates(t *testing.T) {
	engine := NewEngine(DefaultOptions())
	res := engine.Compute([]model.SourceQuoteRecord{
		quote("a", "99.99", "EUR"),
		quote("b", "100.00", "EUR"),
		quote("c", "100.50", "EUR"),
		quote("d", "400.00", "EUR"),
	})

	if res.Status != model.StatusValid {
		t.Fatalf("expected valid, got %s", res.Status)
	}
	if res.AgreeingSources != 3 {
		t.Fatalf("expected 3 agreeing sources, got %d", res.AgreeingSources)
	}
	if !res.MedianPrice.Equal(dec("100.00")) {
		t.Fatalf("unexpected median %s", res.MedianPrice)
	}
	if !reflect.DeepEqual(res.OutlierSourceNames, []string{"d"}) {
		t.Fatalf("unexpected outliers %v", res.OutlierSourceNames)
	}
	if res.Method != MethodMedianTrim || res.Currency != "EUR" || res.CandidateCount != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Stdev.IsPositive() {
		t.Fatal("stdev should be positive")
	}
}

func TestComputeSingleQuoteIsInsufficient(t *testing.T) {
	engine := NewEngine(DefaultOptions())
	res := engine.Compute([]model.SourceQuoteRecord{
		quote("a", "10", "EUR"),
		{SourceName: "b", Success: false, ErrorKind: "network_timeout"},
	})
	if res.Status != model.StatusInsufficientEvidence {
		t.Fatalf("只有一个成功报价时应为 insufficient_evidence, got %s", res.Status)
	}
	if !res.MedianPrice.IsZero() {
		t.Fatal("no median should be reported")
	}

	if res := engine.Compute(nil); res.Status != model.StatusInsufficientEvidence {
		t.Fatalf("no quotes: got %s", res.Status)
	}
}

func TestComputeDivergentEvidence(t *testing.T) {
	engine := NewEngine(DefaultOptions())
	res := engine.Compute([]model.SourceQuoteRecord{
		quote("a", "100", "EUR"),
		quote("b", "150", "EUR"),
	})
	if res.Status != model.StatusOutlierDetected {
		t.Fatalf("expected outlier_detected, got %s", res.Status)
	}
	if res.AgreeingSources != 0 {
		t.Fatalf("median 125 is 20%% away from both quotes, got %d agreeing", res.AgreeingSources)
	}
}

func TestComputeIsOrderIndependent(t *testing.T) {
	engine := NewEngine(DefaultOptions())
	a := engine.Compute([]model.SourceQuoteRecord{
		quote("a", "10.00", "EUR"), quote("b", "10.10", "EUR"), quote("c", "9.95", "EUR"), quote("d", "30", "EUR"),
	})
	b := engine.Compute([]model.SourceQuoteRecord{
		quote("d", "30", "EUR"), quote("c", "9.95", "EUR"), quote("a", "10.00", "EUR"), quote("b", "10.10", "EUR"),
	})
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("报价顺序不应影响结果:\n%+v\n%+v", a, b)
	}
}

func TestComputeExcludesForeignCurrency(t *testing.T) {
	engine := NewEngine(DefaultOptions())
	res := engine.Compute([]model.SourceQuoteRecord{
		quote("a", "100", "EUR"),
		quote("b", "101", "EUR"),
		quote("c", "110", "USD"),
	})
	if res.Currency != "EUR" || res.Status != model.StatusValid {
		t.Fatalf("unexpected result %+v", res)
	}
	if !reflect.DeepEqual(res.OutlierSourceNames, []string{"c"}) {
		t.Fatalf("foreign currency quote should be listed as outlier: %v", res.OutlierSourceNames)
	}
}

func TestComputeTrimExtension(t *testing.T) {
	opts := DefaultOptions()
	opts.TrimFraction = 0.2
	engine := NewEngine(opts)
	res := engine.Compute([]model.SourceQuoteRecord{
		quote("a", "100", "EUR"),
		quote("b", "101", "EUR"),
		quote("c", "102", "EUR"),
		quote("d", "103", "EUR"),
		quote("e", "104", "EUR"),
	})
	if !reflect.DeepEqual(res.OutlierSourceNames, []string{"a", "e"}) {
		t.Fatalf("trim should drop one quote from each end: %v", res.OutlierSourceNames)
	}
	if res.AgreeingSources != 3 || !res.MedianPrice.Equal(dec("102")) {
		t.Fatalf("unexpected result %+v", res)
	}
}
