package source

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"price-truth/internal/consensus"
	"price-truth/internal/model"
	"price-truth/internal/transport"
)

// defaultFallback matches an amount adjacent to a currency marker.
const defaultFallback = `(?:€|EUR|US\$|\$|£|GBP|USD|CHF)[\s\x{00A0}\x{202F}]?(?:` + consensus.AmountPattern + `)` +
	`|(?:` + consensus.AmountPattern + `)[\s\x{00A0}\x{202F}]?(?:€|EUR|\$|£|GBP|USD|CHF)`

// HTMLAdapter extracts a price from a page with CSS selectors, then a regex over visible text.
type HTMLAdapter struct {
	def      Definition
	fetcher  Fetcher
	fallback *regexp.Regexp
	now      func() time.Time
	logger   zerolog.Logger
}

// NewHTMLAdapter compiles the fallback pattern of def.
func NewHTMLAdapter(def Definition, fetcher Fetcher, logger zerolog.Logger) (*HTMLAdapter, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	pattern := def.FallbackPattern
	if pattern == "" {
		pattern = defaultFallback
	}
	fallback, err := regexp.Compile(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: compile fallback pattern", def.Name)
	}
	return &HTMLAdapter{
		def:      def,
		fetcher:  fetcher,
		fallback: fallback,
		now:      time.Now,
		logger:   logger.With().Str("component", "source").Str("source", def.Name).Logger(),
	}, nil
}

func (a *HTMLAdapter) Name() string {
	return a.def.Name
}

// FetchQuote fetches and parses the page for key.
func (a *HTMLAdapter) FetchQuote(ctx context.Context, key model.ProductKey) model.SourceQuoteRecord {
	target := a.targetURL(key)
	quote := model.SourceQuoteRecord{
		SourceName: a.def.Name,
		SourceURL:  target,
		FetchedAt:  a.now().UTC(),
	}
	if target == "" {
		return a.fail(quote, KindParseFailure, eris.New("no url template for this product key"))
	}

	resp, err := a.fetcher.Get(ctx, target, a.def.header())
	if err != nil {
		return a.fail(quote, transport.KindOf(err), err)
	}

	raw, used, err := a.extract(resp.Body)
	var price consensus.CleanedPrice
	if err == nil {
		price, err = consensus.CleanPrice(raw, consensus.Hint{Domain: a.domain(target), Currency: a.def.CurrencyHint})
		if err != nil {
			err = eris.Wrapf(err, "clean %q", raw)
		}
	}
	if err != nil {
		// 页面没有可用价格时才判断是否为拦截页
		if blocked, kind := DetectBlock(resp.Header, resp.Body); blocked {
			return a.fail(quote, KindBlocked, eris.Errorf("blocked by %s page", kind))
		}
		return a.fail(quote, KindParseFailure, err)
	}
	if price.Ambiguous() {
		a.logger.Debug().Str("raw", raw).Str("currency", price.Currency).Msg("currency ambiguous, default applied")
	}

	quote.Success = true
	quote.Price = price.Amount
	quote.Currency = price.Currency
	quote.CurrencySource = price.CurrencySource
	quote.SelectorUsed = used
	a.logger.Debug().
		Str("price", price.Amount.String()).
		Str("currency", price.Currency).
		Str("selector", used).
		Bool("from_cache", resp.FromCache).
		Msg("quote extracted")
	return quote
}

// extract returns the raw price text and the selector (or regex) that found it.
func (a *HTMLAdapter) extract(body []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", eris.Wrap(err, "parse html")
	}

	for _, selector := range a.def.Selectors {
		sel := doc.Find(selector)
		for i := range sel.Nodes {
			node := sel.Eq(i)
			text := strings.TrimSpace(node.AttrOr("content", ""))
			if text == "" {
				text = strings.TrimSpace(node.Text())
			}
			if text != "" && containsDigit(text) {
				return text, selector, nil
			}
		}
	}

	doc.Find("script, style, noscript, template").Remove()
	visible := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if match := a.fallback.FindString(visible); match != "" {
		return match, "regex:" + a.fallback.String(), nil
	}
	return "", "", eris.New("no selector or fallback pattern matched")
}

func (a *HTMLAdapter) targetURL(key model.ProductKey) string {
	if key.SKU != "" && a.def.ProductURL != "" {
		return expand(a.def.ProductURL, "{sku}", key.SKU)
	}
	if a.def.SearchURL != "" {
		return expand(a.def.SearchURL, "{query}", key.SearchText())
	}
	return ""
}

func (a *HTMLAdapter) domain(target string) string {
	if a.def.Domain != "" {
		return a.def.Domain
	}
	if u, err := url.Parse(target); err == nil {
		return u.Host
	}
	return ""
}

func (a *HTMLAdapter) fail(q model.SourceQuoteRecord, kind string, err error) model.SourceQuoteRecord {
	q.Success = false
	q.ErrorKind = kind
	q.Error = err.Error()
	a.logger.Debug().Str("kind", kind).Err(err).Str("url", q.SourceURL).Msg("quote failed")
	return q
}

// expand substitutes value, path-escaped before the query string and query-escaped after it.
func expand(template, placeholder, value string) string {
	idx := strings.Index(template, placeholder)
	if idx < 0 {
		return template
	}
	escaped := url.QueryEscape(value)
	if q := strings.Index(template, "?"); q < 0 || idx < q {
		escaped = url.PathEscape(value)
	}
	return strings.Replace(template, placeholder, escaped, 1)
}

func containsDigit(s string) bool {
	return strings.IndexAny(s, "0123456789") >= 0
}
