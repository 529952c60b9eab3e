package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-truth/internal/model"
	"price-truth/internal/service"
	"price-truth/internal/transport"
)

type fakeService struct {
	now     time.Time
	rec     model.PriceTruthRecord
	err     error
	pingErr error

	lastKey   model.ProductKey
	lastForce bool
	refreshes int
}

func (f *fakeService) GetPrice(_ context.Context, key model.ProductKey, force bool) (model.PriceTruthRecord, error) {
	f.lastKey, f.lastForce = key, force
	if f.err != nil {
		return model.PriceTruthRecord{}, f.err
	}
	rec := f.rec
	rec.ProductKey = key.String()
	return rec, nil
}

func (f *fakeService) Refresh(ctx context.Context, key model.ProductKey) (model.PriceTruthRecord, error) {
	f.refreshes++
	return f.GetPrice(ctx, key, true)
}

func (f *fakeService) Stats() service.Stats {
	return service.Stats{TotalQueries: 5, CacheHits: 2, SuccessfulRounds: 2, FailedRounds: 1, SuccessRate: 0.6667}
}

func (f *fakeService) Ping(context.Context) error { return f.pingErr }

func (f *fakeService) Now() time.Time { return f.now }

func validRecord(updated time.Time) model.PriceTruthRecord {
	price := decimal.RequireFromString("100.00")
	return model.PriceTruthRecord{
		Currency:      "EUR",
		VerifiedPrice: &price,
		Quotes: []model.SourceQuoteRecord{
			{SourceName: "a", Price: decimal.RequireFromString("99.99"), Success: true},
			{SourceName: "b", Price: decimal.RequireFromString("100.00"), Success: true},
			{SourceName: "c", Price: decimal.RequireFromString("100.50"), Success: true},
			{SourceName: "d", Price: decimal.RequireFromString("400.00"), Success: true},
		},
		Consensus: model.ConsensusResult{Status: model.StatusValid, AgreeingSources: 3, MedianPrice: price, OutlierSourceNames: []string{"d"}},
		RoundID:   "round-1",
		UpdatedAt: updated,
		TTLHours:  6,
	}
}

func newTestServer(t *testing.T, svc *fakeService, coord *transport.Coordinator) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(Options{MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}, svc, coord, zerolog.Nop())
}

func doJSON(t *testing.T, s *Server, req *http.Request, out any) int {
	t.Helper()
	resp, err := s.App.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func TestGetPriceSummary(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	svc := &fakeService{now: t0.Add(time.Hour), rec: validRecord(t0)}
	s := newTestServer(t, svc, nil)

	var body map[string]any
	code := doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth?sku=ab-1", nil), &body)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "sku:AB-1", body["product_key"])
	assert.Equal(t, "100", body["price"])
	assert.Equal(t, "EUR", body["currency"])
	assert.Equal(t, "valid", body["status"])
	assert.Equal(t, 4.0, body["sources_count"])
	assert.Equal(t, 3.0, body["agreeing_sources"])
	assert.Equal(t, true, body["is_fresh"])
	assert.Equal(t, "2026-02-01T16:00:00Z", body["next_update_eta"])
	assert.NotContains(t, body, "quotes")
	assert.NotContains(t, body, "consensus")
	assert.False(t, svc.lastForce)
}

func TestGetPriceWithDetailsAndForce(t *testing.T) {
	t0 := time.Now().UTC()
	svc := &fakeService{now: t0, rec: validRecord(t0)}
	s := newTestServer(t, svc, nil)

	var body PriceResponse
	code := doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth?q=Sony+WH-1000XM5&force=true&include_details=true", nil), &body)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, svc.lastForce)
	assert.Equal(t, "q:sony wh 1000xm5", body.ProductKey)
	require.Len(t, body.Quotes, 4)
	require.NotNil(t, body.Consensus)
	assert.Equal(t, []string{"d"}, body.Consensus.OutlierSourceNames)
}

func TestGetPriceStaleIsReportedAtReadTime(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	svc := &fakeService{now: t0.Add(7 * time.Hour), rec: validRecord(t0)}
	s := newTestServer(t, svc, nil)

	var body PriceResponse
	doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth?sku=x", nil), &body)
	assert.Equal(t, model.StatusStaleData, body.Status)
	assert.False(t, body.IsFresh)
}

func TestGetPriceErrors(t *testing.T) {
	s := newTestServer(t, &fakeService{}, nil)
	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth", nil), &body))
	assert.Equal(t, "sku or q is required", body["error"])
	assert.Equal(t, http.StatusBadRequest, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth?sku=x&force=maybe", nil), nil))

	s = newTestServer(t, &fakeService{err: service.ErrSourcesUnreachable}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth?sku=x", nil), &body))

	s = newTestServer(t, &fakeService{err: errors.New("boom")}, nil)
	assert.Equal(t, http.StatusInternalServerError, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth?sku=x", nil), &body))
	assert.Equal(t, "internal server error", body["error"])
}

func TestInsufficientEvidenceIsNotAnError(t *testing.T) {
	t0 := time.Now().UTC()
	svc := &fakeService{now: t0, rec: model.PriceTruthRecord{
		Currency:  "EUR",
		Consensus: model.ConsensusResult{Status: model.StatusInsufficientEvidence},
		UpdatedAt: t0,
		TTLHours:  6,
	}}
	s := newTestServer(t, svc, nil)

	var body map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth?sku=x", nil), &body))
	assert.Nil(t, body["price"])
	assert.Equal(t, "insufficient_evidence", body["status"])
}

func TestRefreshDefaultsToForce(t *testing.T) {
	t0 := time.Now().UTC()
	svc := &fakeService{now: t0, rec: validRecord(t0)}
	s := newTestServer(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/price-truth/refresh", strings.NewReader(`{"sku":"ab-1"}`))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusOK, doJSON(t, s, req, nil))
	assert.Equal(t, 1, svc.refreshes)

	req = httptest.NewRequest(http.MethodPost, "/price-truth/refresh", strings.NewReader(`{"query":"casque","force":false}`))
	require.Equal(t, http.StatusOK, doJSON(t, s, req, nil))
	assert.Equal(t, 1, svc.refreshes)
	assert.False(t, svc.lastForce)

	req = httptest.NewRequest(http.MethodPost, "/price-truth/refresh", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, s, req, nil))
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeService{}, nil)
	var stats service.Stats
	require.Equal(t, http.StatusOK, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth/stats", nil), &stats))
	assert.Equal(t, int64(5), stats.TotalQueries)
	assert.Equal(t, 0.6667, stats.SuccessRate)
}

func TestHealth(t *testing.T) {
	pool, err := transport.NewProxyPool([]string{"10.0.0.1:3128"}, zerolog.Nop())
	require.NoError(t, err)
	coord := transport.NewCoordinator(transport.Options{}, transport.NewResponseCache(time.Minute), pool, zerolog.Nop())

	s := newTestServer(t, &fakeService{}, coord)
	var health HealthResponse
	require.Equal(t, http.StatusOK, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth/health", nil), &health))
	assert.Equal(t, "up", health.Status)
	assert.True(t, health.Checks["cache"].OK)
	assert.True(t, health.Checks["proxy_pool"].OK)
	// 健康检查不能在响应缓存里留下条目
	assert.Equal(t, 0, coord.Cache().Stats().Total)

	// 代理被淘汰只算 degraded
	pool.ReportOutcome("http://10.0.0.1:3128", transport.OutcomeTimeout)
	pool.ReportOutcome("http://10.0.0.1:3128", transport.OutcomeTimeout)
	pool.ReportOutcome("http://10.0.0.1:3128", transport.OutcomeTimeout)
	require.Equal(t, http.StatusOK, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth/health", nil), &health))
	assert.Equal(t, "degraded", health.Status)

	s = newTestServer(t, &fakeService{pingErr: errors.New("connection refused")}, coord)
	require.Equal(t, http.StatusServiceUnavailable, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth/health", nil), &health))
	assert.Equal(t, "down", health.Status)
	assert.False(t, health.Checks["store"].OK)
}

func TestProxiesAndMetrics(t *testing.T) {
	pool, err := transport.NewProxyPool([]string{"10.0.0.1:3128", "10.0.0.2:3128"}, zerolog.Nop())
	require.NoError(t, err)
	coord := transport.NewCoordinator(transport.Options{}, nil, pool, zerolog.Nop())
	s := newTestServer(t, &fakeService{}, coord)

	var body struct {
		Stats   transport.ProxyStats    `json:"stats"`
		Proxies []transport.ProxyRecord `json:"proxies"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, s, httptest.NewRequest(http.MethodGet, "/price-truth/proxies", nil), &body))
	assert.Equal(t, 2, body.Stats.Total)
	require.Len(t, body.Proxies, 2)
	assert.Equal(t, "http://10.0.0.1:3128", body.Proxies[0].Address)

	resp, err := s.App.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
