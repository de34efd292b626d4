package conversion

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event is the conversion signal sent downstream for a paid transaction.
type Event struct {
	ID            string          `json:"event_id"`
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id,omitempty"`
	ClickID       string          `json:"click_id"`
	Source        string          `json:"utm_source,omitempty"`
	Medium        string          `json:"utm_medium,omitempty"`
	Campaign      string          `json:"utm_campaign,omitempty"`
	Term          string          `json:"utm_term,omitempty"`
	Content       string          `json:"utm_content,omitempty"`
	Value         decimal.Decimal `json:"value"`
	Currency      string          `json:"currency"`
	EmittedAt     time.Time       `json:"emitted_at"`
}

// Result is the outcome of Emitter.Emit.
type Result string

const (
	ResultSent           Result = "sent"
	ResultNoAttribution  Result = "no_attribution"
	ResultDeliveryFailed Result = "delivery_failed"
	ResultDuplicate      Result = "duplicate"
)

// Tracker delivers conversion events to an analytics backend. The returned
// string is the backend's response, kept for the audit log.
type Tracker interface {
	Deliver(ctx context.Context, ev Event) (string, error)
}

// Notifier receives every event that was delivered.
type Notifier interface {
	Publish(ev Event)
}

// Logger provides minimal logging required by the emitter.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
