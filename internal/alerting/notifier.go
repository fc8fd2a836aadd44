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

	"entsoe-watch/internal/blocks"
	"entsoe-watch/internal/timeslot"
)

// Notification carries one delivery day's plan.
type Notification struct {
	Date          timeslot.Date
	Zone          string
	Unit          string
	DayAverage    decimal.Decimal
	Blocks        []blocks.Block
	Channels      []string
	AdditionalMsg string
}

// Notifier defines the delivery interface.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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

// Notify calls sendMessage with the rendered plan.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
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
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
	}

	n.logger.Info().Str("date", note.Date.String()).
		Str("zone", note.Zone).
		Int("blocks", len(note.Blocks)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("plan sent (Telegram)")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	unit := note.Unit
	if unit == "" {
		unit = "ct/kWh"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Energy plan %s]\n", note.Date))
	if note.Zone != "" {
		builder.WriteString(fmt.Sprintf("Zone: %s\n", note.Zone))
	}
	builder.WriteString(fmt.Sprintf("Day average: %s %s\n", note.DayAverage.StringFixed(2), unit))
	if len(note.Blocks) == 0 {
		builder.WriteString("No recommended blocks\n")
	}
	for _, b := range note.Blocks {
		builder.WriteString(fmt.Sprintf("%s %s (%d min) avg %s %s",
			blocks.RankLabel(b.Rank),
			b.TimeRange,
			b.DurationMinutes,
			decimal.NewFromFloat(b.Avg).StringFixed(2),
			unit,
		))
		if b.IsBest {
			builder.WriteString(" *")
		}
		builder.WriteString("\n")
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
