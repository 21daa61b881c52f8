package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

const defaultAPI = "https://api.telegram.org"

// Notifier posts failed item dispositions to a Telegram chat via bot API.
// Published items are not reported.
type Notifier struct {
	botToken string
	chatID   string
	apiURL   string
	client   *http.Client
}

var _ ports.DispositionSink = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(cfg config.TelegramConfig) *Notifier {
	return &Notifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiURL:   defaultAPI,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify sends a short Markdown alert for failed items.
func (n *Notifier) Notify(ctx context.Context, event domain.DispositionEvent) error {
	if event.State != domain.StateFailed {
		return nil
	}
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", formatFailure(event))
	form.Set("parse_mode", "Markdown")
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

func formatFailure(event domain.DispositionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Item failed* `%s/%s`\n", event.SourceID, event.ItemID)
	if event.Title != "" {
		fmt.Fprintf(&b, "%s\n", event.Title)
	}
	fmt.Fprintf(&b, "stage: `%s`, kind: `%s`", event.FailedStage, event.ErrorKind)
	if event.Link != "" {
		fmt.Fprintf(&b, "\n%s", event.Link)
	}
	return b.String()
}
