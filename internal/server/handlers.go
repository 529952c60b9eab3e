package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/shopspring/decimal"

	"price-truth/internal/model"
	"price-truth/internal/service"
	"price-truth/internal/transport"
)

// PriceResponse is the query interface payload.
type PriceResponse struct {
	ProductKey      string                    `json:"product_key"`
	Price           *decimal.Decimal          `json:"price"`
	Currency        string                    `json:"currency"`
	Status          model.Status              `json:"status"`
	SourcesCount    int                       `json:"sources_count"`
	AgreeingSources int                       `json:"agreeing_sources"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	IsFresh         bool                      `json:"is_fresh"`
	NextUpdateETA   time.Time                 `json:"next_update_eta"`
	RoundID         string                    `json:"round_id"`
	Quotes          []model.SourceQuoteRecord `json:"quotes,omitempty"`
	Consensus       *model.ConsensusResult    `json:"consensus,omitempty"`
}

// NewPriceResponse renders rec as seen at now.
func NewPriceResponse(rec model.PriceTruthRecord, now time.Time, details bool) PriceResponse {
	resp := PriceResponse{
		ProductKey:      rec.ProductKey,
		Price:           rec.VerifiedPrice,
		Currency:        rec.Currency,
		Status:          rec.EffectiveStatus(now),
		SourcesCount:    len(rec.Quotes),
		AgreeingSources: rec.Consensus.AgreeingSources,
		UpdatedAt:       rec.UpdatedAt,
		IsFresh:         rec.IsFresh(now),
		NextUpdateETA:   rec.NextUpdateETA(),
		RoundID:         rec.RoundID,
	}
	if details {
		resp.Quotes = rec.Quotes
		consensus := rec.Consensus
		resp.Consensus = &consensus
	}
	return resp
}

type refreshRequest struct {
	SKU            string `json:"sku"`
	Query          string `json:"query"`
	Force          *bool  `json:"force"`
	IncludeDetails bool   `json:"include_details"`
}

func (s *Server) getPrice(c fiber.Ctx) error {
	key, err := model.NewProductKey(c.Query("sku"), c.Query("q"))
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "sku or q is required")
	}
	force, err := boolQuery(c, "force")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "force must be a boolean")
	}
	details, err := boolQuery(c, "include_details")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "include_details must be a boolean")
	}

	rec, err := s.svc.GetPrice(c.Context(), key, force)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(NewPriceResponse(rec, s.svc.Now(), details))
}

func (s *Server) refresh(c fiber.Ctx) error {
	var body refreshRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid json body")
		}
	}
	key, err := model.NewProductKey(body.SKU, body.Query)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "sku or query is required")
	}

	var rec model.PriceTruthRecord
	// force 缺省为 true
	if body.Force == nil || *body.Force {
		rec, err = s.svc.Refresh(c.Context(), key)
	} else {
		rec, err = s.svc.GetPrice(c.Context(), key, false)
	}
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(NewPriceResponse(rec, s.svc.Now(), body.IncludeDetails))
}

func (s *Server) stats(c fiber.Ctx) error {
	return c.JSON(s.svc.Stats())
}

// HealthCheck is the result for one dependency.
type HealthCheck struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

func (s *Server) health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "up", Checks: make(map[string]HealthCheck)}
	down := false

	if err := s.svc.Ping(ctx); err != nil {
		resp.Checks["store"] = HealthCheck{Detail: err.Error()}
		down = true
	} else {
		resp.Checks["store"] = HealthCheck{OK: true}
	}

	var (
		cache *transport.ResponseCache
		pool  *transport.ProxyPool
	)
	if s.coordinator != nil {
		cache = s.coordinator.Cache()
		pool = s.coordinator.Proxies()
	}

	if cache != nil {
		check := checkCache(cache)
		resp.Checks["cache"] = check
		down = down || !check.OK
	}

	// 代理全部被淘汰时仍可直连，只标记 degraded
	proxyCheck := HealthCheck{OK: true, Detail: "direct egress"}
	if pool != nil {
		stats := pool.Stats()
		switch {
		case stats.Total == 0:
		case stats.Available == 0:
			proxyCheck = HealthCheck{Detail: "all " + strconv.Itoa(stats.Total) + " proxies evicted, using direct egress"}
			resp.Status = "degraded"
		default:
			proxyCheck.Detail = strconv.Itoa(stats.Available) + "/" + strconv.Itoa(stats.Total) + " proxies available"
		}
	}
	resp.Checks["proxy_pool"] = proxyCheck

	if down {
		resp.Status = "down"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

// checkCache round-trips a throwaway entry and removes it so stats stay untouched.
func checkCache(cache *transport.ResponseCache) HealthCheck {
	const healthKey = "GET http://health.invalid/"
	ok := cache.Put(healthKey, transport.CacheEntry{Body: []byte("<html></html>"), Status: 200, ContentType: "text/html", TTL: time.Second})
	if !ok {
		return HealthCheck{Detail: "write rejected"}
	}
	defer cache.Delete(healthKey)
	if _, hit := cache.Get(healthKey); !hit {
		return HealthCheck{Detail: "entry not readable"}
	}
	return HealthCheck{OK: true}
}

func (s *Server) proxies(c fiber.Ctx) error {
	records := []transport.ProxyRecord{}
	var stats transport.ProxyStats
	if s.coordinator != nil && s.coordinator.Proxies() != nil {
		records = s.coordinator.Proxies().Records()
		stats = s.coordinator.Proxies().Stats()
	}
	return c.JSON(fiber.Map{
		"stats":   stats,
		"proxies": records,
	})
}

func (s *Server) serviceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidProductKey):
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSourcesUnreachable), errors.Is(err, service.ErrNoSources):
		return jsonError(c, fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return jsonError(c, fiber.StatusGatewayTimeout, "request cancelled")
	default:
		return err
	}
}

func boolQuery(c fiber.Ctx, name string) (bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
