// Package notify sends operator alerts to a Telegram admin chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/tempverify/internal/resilience"
)

const defaultAPIBase = "https://api.telegram.org"

// TelegramService posts messages through the Bot API.
type TelegramService struct {
	botToken    string
	adminChatID string
	apiBase     string
	client      *http.Client
	logger      *zap.Logger
}

// NewTelegramService creates a new TelegramService. An empty token or chat
// makes every send a no-op.
func NewTelegramService(botToken, adminChatID string, logger *zap.Logger) *TelegramService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiBase:     defaultAPIBase,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends an HTML message to chatID.
func (s *TelegramService) SendMessage(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		s.logger.Debug("telegram bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.botToken)
	body, err := json.Marshal(telegramMessage{ChatID: chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("telegram send failed", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("telegram unexpected status", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		return nil
	}
	return s.SendMessage(ctx, s.adminChatID, text)
}

// BreakerTransition alerts the admin chat when a breaker opens or recovers.
// Half-open trials are not worth a page.
func (s *TelegramService) BreakerTransition(t resilience.Transition) {
	var message string
	switch {
	case t.To == resilience.StateOpen:
		message = fmt.Sprintf(`<b>🔴 Provider circuit open</b>
<b>Operation:</b> %s
<b>Consecutive failures:</b> %d
<b>At:</b> %s`,
			html.EscapeString(t.Operation), t.Failures, t.At.UTC().Format(time.RFC3339))
	case t.To == resilience.StateClosed && t.From == resilience.StateHalfOpen:
		message = fmt.Sprintf(`<b>🟢 Provider circuit recovered</b>
<b>Operation:</b> %s
<b>At:</b> %s`,
			html.EscapeString(t.Operation), t.At.UTC().Format(time.RFC3339))
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.SendToAdmin(ctx, strings.TrimSpace(message)); err != nil {
		s.logger.Warn("breaker alert not delivered", zap.String("operation", t.Operation), zap.Error(err))
	}
}
