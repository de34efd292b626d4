package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultXtrackyURL is the tracker's TriboPay integration endpoint.
const DefaultXtrackyURL = "https://api.xtracky.com/api/integrations/tribopay"

// XtrackyConfig configures the HTTP tracker.
type XtrackyConfig struct {
	URL   string
	Token string

	Client *http.Client
	Logger *slog.Logger
}

// XtrackyTracker posts conversions to the Xtracky API.
type XtrackyTracker struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewXtrackyTracker constructs a tracker. The client timeout bounds every
// delivery.
func NewXtrackyTracker(cfg XtrackyConfig) (*XtrackyTracker, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("xtracky: token is required")
	}
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		u = DefaultXtrackyURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &XtrackyTracker{url: u, token: cfg.Token, httpClient: client, logger: logger}, nil
}

type xtrackyPayload struct {
	Token         string      `json:"token"`
	Event         string      `json:"event"`
	TransactionID string      `json:"transaction_id"`
	ClickID       string      `json:"click_id"`
	Source        string      `json:"utm_source,omitempty"`
	Medium        string      `json:"utm_medium,omitempty"`
	Campaign      string      `json:"utm_campaign,omitempty"`
	Term          string      `json:"utm_term,omitempty"`
	Content       string      `json:"utm_content,omitempty"`
	Value         json.Number `json:"value"`
	Currency      string      `json:"currency"`
	Status        string      `json:"status"`
	ConvertedAt   string      `json:"converted_at"`
}

// Deliver posts ev and returns the response body.
func (t *XtrackyTracker) Deliver(ctx context.Context, ev Event) (string, error) {
	body, err := json.Marshal(xtrackyPayload{
		Token:         t.token,
		Event:         "conversion",
		TransactionID: ev.TransactionID,
		ClickID:       ev.ClickID,
		Source:        ev.Source,
		Medium:        ev.Medium,
		Campaign:      ev.Campaign,
		Term:          ev.Term,
		Content:       ev.Content,
		Value:         json.Number(ev.Value.StringFixed(2)),
		Currency:      ev.Currency,
		Status:        "paid",
		ConvertedAt:   ev.EmittedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("xtracky: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("xtracky request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	t.logger.Debug("xtracky raw", "status", resp.Status, "body", strings.TrimSpace(string(b)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TrackerError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	return strings.TrimSpace(string(b)), nil
}

// TrackerError is a non-2xx answer from a tracker.
type TrackerError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *TrackerError) Error() string {
	if e == nil {
		return "<nil>"
	}
	bt := strings.TrimSpace(e.Body)
	if bt == "" {
		return fmt.Sprintf("tracker error: %s", e.Status)
	}
	return fmt.Sprintf("tracker error: %s: %s", e.Status, bt)
}
