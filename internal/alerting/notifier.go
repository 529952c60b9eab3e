package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-truth/internal/model"
)

// Kind 告警类型。
type Kind string

const (
	// KindPriceMove: verified price moved beyond the threshold.
	KindPriceMove Kind = "price_move"
	// KindDegraded: a previously valid key lost its verified price.
	KindDegraded Kind = "degraded"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind            Kind
	ProductKey      string
	Currency        string
	PreviousPrice   *decimal.Decimal
	CurrentPrice    *decimal.Decimal
	ChangePct       decimal.Decimal
	ThresholdPct    decimal.Decimal
	PreviousStatus  model.Status
	Status          model.Status
	AgreeingSources int
	SourcesCount    int
	RoundID         string
	At              time.Time
	AdditionalMsg   string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Detect compares a new round with the previous record of the same key.
// Only a previously valid record can trigger an alert.
func Detect(prev *model.PriceTruthRecord, curr model.PriceTruthRecord, thresholdPct decimal.Decimal) (Notification, bool) {
	if prev == nil || prev.Consensus.Status != model.StatusValid || prev.VerifiedPrice == nil {
		return Notification{}, false
	}

	note := Notification{
		ProductKey:      curr.ProductKey,
		Currency:        curr.Currency,
		PreviousPrice:   prev.VerifiedPrice,
		CurrentPrice:    curr.VerifiedPrice,
		ThresholdPct:    thresholdPct,
		PreviousStatus:  prev.Consensus.Status,
		Status:          curr.Consensus.Status,
		AgreeingSources: curr.Consensus.AgreeingSources,
		SourcesCount:    len(curr.Quotes),
		RoundID:         curr.RoundID,
		At:              curr.UpdatedAt,
	}

	if curr.Consensus.Status != model.StatusValid || curr.VerifiedPrice == nil {
		note.Kind = KindDegraded
		return note, true
	}
	// 币种不同无法比较
	if prev.Currency != curr.Currency || prev.VerifiedPrice.IsZero() || !thresholdPct.IsPositive() {
		return Notification{}, false
	}

	change := curr.VerifiedPrice.Sub(*prev.VerifiedPrice).Div(*prev.VerifiedPrice).Mul(decimal.NewFromInt(100))
	if change.Abs().LessThanOrEqual(thresholdPct) {
		return Notification{}, false
	}
	note.Kind = KindPriceMove
	note.ChangePct = change
	return note, true
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("product_key", note.ProductKey).
		Str("kind", string(note.Kind)).
		Str("round_id", note.RoundID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindDegraded:
		builder.WriteString("[Price Truth] verification lost\n")
	default:
		builder.WriteString("[Price Truth] price move\n")
	}
	builder.WriteString(fmt.Sprintf("Product: %s\n", note.ProductKey))
	builder.WriteString(fmt.Sprintf("Previous: %s %s (%s)\n", formatPrice(note.PreviousPrice), note.Currency, note.PreviousStatus))
	builder.WriteString(fmt.Sprintf("Current: %s %s (%s)\n", formatPrice(note.CurrentPrice), note.Currency, note.Status))
	if note.Kind == KindPriceMove {
		builder.WriteString(fmt.Sprintf("Change: %s%% (threshold %s%%)\n", note.ChangePct.StringFixed(2), note.ThresholdPct.StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Agreeing: %d/%d sources\n", note.AgreeingSources, note.SourcesCount))
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func formatPrice(p *decimal.Decimal) string {
	if p == nil {
		return "n/a"
	}
	return p.StringFixed(2)
}

var _ Notifier = (*TelegramNotifier)(nil)
