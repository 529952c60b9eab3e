package consensus

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	// ErrNoPrice means the text contained no number at all.
	ErrNoPrice = errors.New("no price found in text")
	// ErrInvalidPrice means a number was found but could not be read as a positive amount.
	ErrInvalidPrice = errors.New("invalid price")
)

// DefaultCurrency applies when neither text, domain nor hint resolve one.
const DefaultCurrency = "EUR"

// Where the currency of a cleaned price came from.
const (
	CurrencyFromText    = "text"
	CurrencyFromDomain  = "domain"
	CurrencyFromHint    = "hint"
	CurrencyFromDefault = "default"
)

// Hint carries context for currency resolution.
type Hint struct {
	// Domain is the host the price was scraped from.
	Domain   string
	Currency string
}

// CleanedPrice is a parsed amount with its resolved currency.
type CleanedPrice struct {
	Amount         decimal.Decimal
	Currency       string
	CurrencySource string
}

// Ambiguous reports that no evidence pointed at a currency and the default was used.
func (p CleanedPrice) Ambiguous() bool {
	return p.CurrencySource == CurrencyFromDefault
}

// AmountPattern matches one amount token. Space, NBSP, U+202F and the apostrophe
// only group thousands, so "3 24,90" is two numbers and "1 234,56" is one.
const AmountPattern = `\d{1,3}(?:[ '\x{00A0}\x{202F}]\d{3}\b)+(?:[.,]\d+)*|\d+(?:[.,]\d+)*`

var (
	// 空格类和撇号只能作为千位分隔符, 后面必须正好三位数字
	numberPattern = regexp.MustCompile(AmountPattern)
	isoPattern    = regexp.MustCompile(`(?:^|[^A-Za-z])([A-Z]{3})(?:[^A-Za-z]|$)`)

	// 文本中接受的 ISO 代码
	knownCodes = map[string]bool{
		"EUR": true, "USD": true, "GBP": true, "CHF": true, "JPY": true,
		"CAD": true, "AUD": true, "SEK": true, "NOK": true, "DKK": true,
		"PLN": true, "CZK": true,
	}

	// longest first so "US$" wins over "$"
	symbols = []struct {
		symbol string
		code   string
	}{
		{"US$", "USD"},
		{"€", "EUR"},
		{"£", "GBP"},
		{"$", "USD"},
		{"¥", "JPY"},
	}

	domainCurrencies = []struct {
		suffix string
		code   string
	}{
		{".co.uk", "GBP"},
		{".uk", "GBP"},
		{".ch", "CHF"},
		{".co.jp", "JPY"},
		{".jp", "JPY"},
		{".se", "SEK"},
		{".pl", "PLN"},
		{".ca", "CAD"},
		{".com.au", "AUD"},
		{".fr", "EUR"},
		{".de", "EUR"},
		{".es", "EUR"},
		{".it", "EUR"},
		{".nl", "EUR"},
		{".be", "EUR"},
		{".at", "EUR"},
		{".pt", "EUR"},
		{".ie", "EUR"},
		{".fi", "EUR"},
	}
)

// CleanPrice parses European ("1.234,56 €") and American ("$1,234.56") price strings.
// Currency priority: code or symbol in the text, then the domain, then hint.Currency, then EUR.
func CleanPrice(raw string, hint Hint) (CleanedPrice, error) {
	amount, err := parseAmount(raw)
	if err != nil {
		return CleanedPrice{}, err
	}
	code, from := resolveCurrency(raw, hint)
	return CleanedPrice{Amount: amount, Currency: code, CurrencySource: from}, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	token := pickAmount(raw)
	if token == "" {
		return decimal.Zero, ErrNoPrice
	}
	token = strings.NewReplacer("'", "", " ", "", "\u00a0", "", "\u202f", "").Replace(token)

	normalized, err := normalizeSeparators(token)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, ErrInvalidPrice
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	return amount, nil
}

// pickAmount returns the number written next to a currency marker, else the first number.
func pickAmount(raw string) string {
	numbers := numberPattern.FindAllStringIndex(raw, -1)
	if len(numbers) == 0 {
		return ""
	}
	markers := markerSpans(raw)
	for _, n := range numbers {
		for _, m := range markers {
			if adjacent(raw, n, m) {
				return raw[n[0]:n[1]]
			}
		}
	}
	return raw[numbers[0][0]:numbers[0][1]]
}

// markerSpans locates known ISO codes and currency symbols in raw.
func markerSpans(raw string) [][2]int {
	var spans [][2]int
	for _, m := range isoPattern.FindAllStringSubmatchIndex(raw, -1) {
		if knownCodes[raw[m[2]:m[3]]] {
			spans = append(spans, [2]int{m[2], m[3]})
		}
	}
	for _, s := range symbols {
		for from := 0; ; {
			idx := strings.Index(raw[from:], s.symbol)
			if idx < 0 {
				break
			}
			start := from + idx
			spans = append(spans, [2]int{start, start + len(s.symbol)})
			from = start + len(s.symbol)
		}
	}
	return spans
}

// adjacent reports whether only whitespace separates the number span n from the marker span m.
func adjacent(raw string, n []int, m [2]int) bool {
	switch {
	case m[1] <= n[0]:
		return strings.TrimSpace(raw[m[1]:n[0]]) == ""
	case m[0] >= n[1]:
		return strings.TrimSpace(raw[n[1]:m[0]]) == ""
	default:
		return false
	}
}

// normalizeSeparators rewrites token into plain "1234.56" form.
func normalizeSeparators(token string) (string, error) {
	lastDot := strings.LastIndex(token, ".")
	lastComma := strings.LastIndex(token, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// 两种分隔符都出现时，靠后的是小数点
		if lastComma > lastDot {
			return decimalAt(strings.ReplaceAll(token, ".", ""), ",")
		}
		return decimalAt(strings.ReplaceAll(token, ",", ""), ".")
	case lastComma >= 0:
		if strings.Count(token, ",") > 1 || (groupOfThree(token, lastComma) && !strings.HasPrefix(token, "0,")) {
			return strings.ReplaceAll(token, ",", ""), nil
		}
		return strings.Replace(token, ",", ".", 1), nil
	case lastDot >= 0:
		if strings.Count(token, ".") > 1 || (groupOfThree(token, lastDot) && !strings.HasPrefix(token, "0.")) {
			return strings.ReplaceAll(token, ".", ""), nil
		}
		return token, nil
	default:
		return token, nil
	}
}

func decimalAt(token, sep string) (string, error) {
	if strings.Count(token, sep) != 1 {
		return "", ErrInvalidPrice
	}
	return strings.Replace(token, sep, ".", 1), nil
}

func groupOfThree(token string, sepIdx int) bool {
	return len(token)-sepIdx-1 == 3
}

func resolveCurrency(raw string, hint Hint) (string, string) {
	if code := currencyInText(raw); code != "" {
		return code, CurrencyFromText
	}
	if code := currencyForDomain(hint.Domain); code != "" {
		return code, CurrencyFromDomain
	}
	if code := canonicalCode(hint.Currency); code != "" {
		return code, CurrencyFromHint
	}
	return DefaultCurrency, CurrencyFromDefault
}

func currencyInText(raw string) string {
	for _, m := range isoPattern.FindAllStringSubmatch(raw, -1) {
		if candidate := m[1]; knownCodes[candidate] {
			if code := canonicalCode(candidate); code != "" {
				return code
			}
		}
	}
	for _, s := range symbols {
		if strings.Contains(raw, s.symbol) {
			return s.code
		}
	}
	return ""
}

func currencyForDomain(domain string) string {
	host := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return ""
	}
	for _, d := range domainCurrencies {
		if strings.HasSuffix(host, d.suffix) {
			return d.code
		}
	}
	return ""
}

func canonicalCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return ""
	}
	return unit.String()
}
