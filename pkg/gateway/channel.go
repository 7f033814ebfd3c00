package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/gcz-labs/gatekeeper/pkg/contracts"
)

// Channel abstracts the external human-approval transport.
type Channel interface {
	// SendApprovalRequest renders a request with its three action
	// affordances (approve / deny / rollback).
	SendApprovalRequest(ctx context.Context, req *contracts.ChangeRequest) error
	// Send delivers a plain confirmation message.
	Send(ctx context.Context, text string) error
	// AnswerCallback acknowledges an inbound callback event.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// TelegramChannel delivers approval traffic through the Telegram Bot
// API. Delivery is best-effort by design: one attempt per message, and
// a local rate limiter sheds bursts instead of queueing them, so a
// flapping control plane cannot flood the admin chat.
type TelegramChannel struct {
	baseURL string
	chatID  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewTelegramChannel builds a channel for the given bot token and admin
// chat id.
func NewTelegramChannel(token, chatID string) *TelegramChannel {
	return &TelegramChannel{
		baseURL: "https://api.telegram.org/bot" + token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(1), 10),
	}
}

// WithBaseURL redirects API calls, for tests against httptest servers.
func (t *TelegramChannel) WithBaseURL(u string) *TelegramChannel {
	t.baseURL = u
	return t
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

func (t *TelegramChannel) SendApprovalRequest(ctx context.Context, req *contracts.ChangeRequest) error {
	text := fmt.Sprintf("⚠️ *CHANGE REQUEST*\n\nID: *%d*\nRisk: *%d*\n", req.ID, req.RiskScore)
	if req.Plan != "" {
		text += fmt.Sprintf("\nPlan:\n%s\n", req.Plan)
	}
	text += "\nApprove deployment?"

	keyboard := [][]inlineButton{
		{{Text: "✅ APPROVE", CallbackData: fmt.Sprintf("approve_%d", req.ID)}},
		{{Text: "❌ DENY", CallbackData: fmt.Sprintf("deny_%d", req.ID)}},
		{{Text: "🔁 ROLLBACK", CallbackData: fmt.Sprintf("rollback_%d", req.ID)}},
	}

	return t.post(ctx, "/sendMessage", map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
		"reply_markup": map[string]any{
			"inline_keyboard": keyboard,
		},
	})
}

func (t *TelegramChannel) Send(ctx context.Context, text string) error {
	return t.post(ctx, "/sendMessage", map[string]any{
		"chat_id": t.chatID,
		"text":    text,
	})
}

func (t *TelegramChannel) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.post(ctx, "/answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	})
}

// LogChannel is the dev-mode fallback when no bot token is configured:
// approval traffic lands in the log instead of a chat, and every
// inbound callback still works through the webhook.
type LogChannel struct {
	Logger *slog.Logger
}

func (l *LogChannel) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *LogChannel) SendApprovalRequest(ctx context.Context, req *contracts.ChangeRequest) error {
	l.logger().Info("approval requested",
		"request_id", req.ID, "risk_score", req.RiskScore, "payload", req.Payload)
	return nil
}

func (l *LogChannel) Send(ctx context.Context, text string) error {
	l.logger().Info("channel message", "text", text)
	return nil
}

func (l *LogChannel) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (t *TelegramChannel) post(ctx context.Context, method string, payload map[string]any) error {
	if !t.limiter.Allow() {
		return fmt.Errorf("%w: local rate limit exceeded", contracts.ErrChannelDelivery)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrChannelDelivery, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrChannelDelivery, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrChannelDelivery, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: telegram returned %d", contracts.ErrChannelDelivery, resp.StatusCode)
	}
	return nil
}
