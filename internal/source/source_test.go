package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-truth/internal/model"
	"price-truth/internal/transport"
)

type stubFetcher struct {
	resp *transport.Response
	err  error
	urls []string
}

func (s *stubFetcher) Get(ctx context.Context, rawURL string, headers http.Header) (*transport.Response, error) {
	s.urls = append(s.urls, rawURL)
	return s.resp, s.err
}

func htmlResponse(body string) *transport.Response {
	return &transport.Response{
		Status:      http.StatusOK,
		ContentType: "text/html",
		Header:      http.Header{"Content-Type": []string{"text/html"}},
		Body:        []byte(body),
	}
}

func testDefinition() Definition {
	return Definition{
		Name:         "shop",
		Domain:       "www.shop.fr",
		SearchURL:    "https://www.shop.fr/search?q={query}",
		ProductURL:   "https://www.shop.fr/p/{sku}",
		Selectors:    []string{"meta[itemprop=price]", "span.price"},
		CurrencyHint: "EUR",
	}
}

func mustKey(t *testing.T, sku, query string) model.ProductKey {
	t.Helper()
	key, err := model.NewProductKey(sku, query)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestHTMLAdapterSelectorPriority(t *testing.T) {
	fetcher := &stubFetcher{resp: htmlResponse(`<html><body>
		<span class="price">1.299,00 €</span>
		<meta itemprop="price" content="1249.99">
	</body></html>`)}
	adapter, err := NewHTMLAdapter(testDefinition(), fetcher, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	q := adapter.FetchQuote(context.Background(), mustKey(t, "ab12", ""))
	if !q.Success {
		t.Fatalf("应成功提取价格: %+v", q)
	}
	if !q.Price.Equal(decimal.RequireFromString("1249.99")) || q.Currency != "EUR" {
		t.Fatalf("unexpected price %s %s", q.Price, q.Currency)
	}
	if q.SelectorUsed != "meta[itemprop=price]" {
		t.Fatalf("first selector should win, got %s", q.SelectorUsed)
	}
	if q.SourceURL != "https://www.shop.fr/p/ab12" || fetcher.urls[0] != q.SourceURL {
		t.Fatalf("unexpected url %s", q.SourceURL)
	}
}

func TestHTMLAdapterFallsBackToVisibleText(t *testing.T) {
	fetcher := &stubFetcher{resp: htmlResponse(`<html><head><script>var p = "999,99 €";</script></head>
		<body><div>Notre prix : 349,90 € TTC</div></body></html>`)}
	adapter, _ := NewHTMLAdapter(testDefinition(), fetcher, zerolog.Nop())

	q := adapter.FetchQuote(context.Background(), mustKey(t, "", "casque audio"))
	if !q.Success {
		t.Fatalf("fallback regex should match: %+v", q)
	}
	if !q.Price.Equal(decimal.RequireFromString("349.90")) {
		t.Fatalf("script content must be ignored, got %s", q.Price)
	}
	if !strings.HasPrefix(q.SelectorUsed, "regex:") {
		t.Fatalf("unexpected selector %s", q.SelectorUsed)
	}
	if fetcher.urls[0] != "https://www.shop.fr/search?q=casque+audio" {
		t.Fatalf("unexpected search url %s", fetcher.urls[0])
	}
}

func TestHTMLAdapterPriceWinsOverCaptchaScript(t *testing.T) {
	fetcher := &stubFetcher{resp: htmlResponse(`<html><head>
		<script src="https://www.google.com/recaptcha/api.js" async defer></script>
	</head><body><span class="price">19,99 €</span></body></html>`)}
	adapter, _ := NewHTMLAdapter(testDefinition(), fetcher, zerolog.Nop())

	q := adapter.FetchQuote(context.Background(), mustKey(t, "ab12", ""))
	if !q.Success {
		t.Fatalf("带 recaptcha 脚本的正常页面应提取价格: %+v", q)
	}
	if !q.Price.Equal(decimal.RequireFromString("19.99")) || q.SelectorUsed != "span.price" {
		t.Fatalf("unexpected quote %s via %s", q.Price, q.SelectorUsed)
	}
}

func TestHTMLAdapterFallbackIgnoresQuantity(t *testing.T) {
	fetcher := &stubFetcher{resp: htmlResponse(`<html><body><div>Lot de 3 24,90 € livraison offerte</div></body></html>`)}
	adapter, _ := NewHTMLAdapter(testDefinition(), fetcher, zerolog.Nop())

	q := adapter.FetchQuote(context.Background(), mustKey(t, "ab12", ""))
	if !q.Success || !q.Price.Equal(decimal.RequireFromString("24.90")) {
		t.Fatalf("数量不应并入价格: %+v", q)
	}
}

func TestHTMLAdapterRecordsFailures(t *testing.T) {
	cases := []struct {
		name    string
		fetcher *stubFetcher
		kind    string
	}{
		{"parse", &stubFetcher{resp: htmlResponse(`<html><body>Produit indisponible</body></html>`)}, KindParseFailure},
		{"blocked", &stubFetcher{resp: htmlResponse(`<html><body><form id="captcha-form">Enter the characters</form></body></html>`)}, KindBlocked},
		{"timeout", &stubFetcher{err: &transport.FetchError{Kind: transport.ErrNetworkTimeout, URL: "u"}}, transport.KindNetworkTimeout},
		{"terminal", &stubFetcher{err: &transport.FetchError{Kind: transport.ErrTerminalStatus, URL: "u", Status: 404}}, transport.KindTerminalStatus},
	}
	for _, tc := range cases {
		adapter, _ := NewHTMLAdapter(testDefinition(), tc.fetcher, zerolog.Nop())
		q := adapter.FetchQuote(context.Background(), mustKey(t, "x", ""))
		if q.Success || q.ErrorKind != tc.kind || q.Error == "" {
			t.Fatalf("%s: unexpected quote %+v", tc.name, q)
		}
		if q.SourceName != "shop" || q.FetchedAt.IsZero() {
			t.Fatalf("%s: failed quote should keep audit fields", tc.name)
		}
	}
}

func TestUnreachableKinds(t *testing.T) {
	if !Unreachable(model.SourceQuoteRecord{ErrorKind: transport.KindNetworkTimeout}) {
		t.Fatal("timeout is unreachable")
	}
	if Unreachable(model.SourceQuoteRecord{ErrorKind: KindParseFailure}) {
		t.Fatal("解析失败说明来源可达")
	}
	if Unreachable(model.SourceQuoteRecord{Success: true}) {
		t.Fatal("successful quote is reachable")
	}
}

func TestHTMLAdapterThroughCoordinator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/p/SKU-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<span class="price">$1,234.56</span>`))
	}))
	defer srv.Close()

	coord := transport.NewCoordinator(transport.Options{Timeout: time.Second}, transport.NewResponseCache(time.Minute), nil, zerolog.Nop())
	def := testDefinition()
	def.Domain = ""
	def.ProductURL = srv.URL + "/p/{sku}"
	adapter, err := NewHTMLAdapter(def, coord, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	q := adapter.FetchQuote(context.Background(), mustKey(t, "SKU-1", ""))
	if !q.Success || !q.Price.Equal(decimal.RequireFromString("1234.56")) || q.Currency != "USD" {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestDefaultCatalogIsValid(t *testing.T) {
	cat, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("内置目录应可解析: %v", err)
	}
	if len(cat.Sources) < 4 {
		t.Fatalf("expected at least four sources, got %d", len(cat.Sources))
	}
	adapters, err := BuildAdapters(cat, &stubFetcher{}, zerolog.Nop())
	if err != nil || len(adapters) != len(cat.Sources) {
		t.Fatalf("build adapters: %v", err)
	}

	filtered := cat.Filter([]string{"FNAC", "amazon"})
	if len(filtered.Sources) != 2 {
		t.Fatalf("filter should keep two sources, got %d", len(filtered.Sources))
	}
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	bad := []string{
		"sources:\n  - name: a\n    search_url: https://a/s\n    selectors: [x]\n",
		"sources:\n  - name: a\n    search_url: https://a/s?q={query}\n",
		"sources:\n  - name: a\n    search_url: https://a/s?q={query}\n    selectors: [x]\n  - name: a\n    search_url: https://a/s?q={query}\n    selectors: [y]\n",
	}
	for i, doc := range bad {
		if _, err := ParseCatalog([]byte(doc)); err == nil {
			t.Fatalf("case %d should fail", i)
		}
	}

	cat, err := ParseCatalog([]byte("sources:\n  - name: a\n    search_url: https://a/s?q={query}\n    selectors: [x]\n    disabled: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Filter(nil).Sources) != 0 {
		t.Fatal("disabled source should be filtered out")
	}
}

func TestExpandEscapesByPosition(t *testing.T) {
	if got := expand("https://x/search/10/{query}.html", "{query}", "a b/c"); got != "https://x/search/10/a%20b%2Fc.html" {
		t.Fatalf("path escape: %s", got)
	}
	if got := expand("https://x/s?k={query}", "{query}", "a b&c"); got != "https://x/s?k=a+b%26c" {
		t.Fatalf("query escape: %s", got)
	}
}
