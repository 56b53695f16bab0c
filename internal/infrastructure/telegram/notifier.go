package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier sends operational alerts to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

var _ ports.Alerter = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Alert posts a plain-text message to the chat.
func (n *Notifier) Alert(ctx context.Context, message string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("%w: telegram notifier misconfigured", domain.ErrConfiguration)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", "[paperdigest] "+message)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}
