package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/fsm"
)

// EventTransaction is the only event type that drives transitions.
const EventTransaction = "transaction"

// Event is a payment status notification from the provider.
type Event struct {
	Type          string
	Token         string
	TransactionID string
	// Status is the provider status that governs the transition, chosen as
	// transaction.status, then status, then payment_status.
	Status    string
	Amount    decimal.Decimal
	HasAmount bool
	// BadAmount holds an amount literal that could not be read.
	BadAmount string
	Raw       json.RawMessage
}

// looseString takes a JSON string or number. Any other shape decodes to
// the empty string so unrelated fields never reject an event.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*s = looseString(num.String())
		return nil
	}
	*s = ""
	return nil
}

// UnmarshalJSON accepts the TriboPay postback shape. Ids may be strings or
// numbers. The amount may be a number or a string of minor units.
func (e *Event) UnmarshalJSON(data []byte) error {
	type rawTransaction struct {
		ID            looseString     `json:"id"`
		Hash          looseString     `json:"hash"`
		Status        looseString     `json:"status"`
		PaymentStatus looseString     `json:"payment_status"`
		Amount        json.RawMessage `json:"amount"`
	}
	type rawEvent struct {
		Token           looseString     `json:"token"`
		Event           looseString     `json:"event"`
		Status          looseString     `json:"status"`
		PaymentStatus   looseString     `json:"payment_status"`
		Hash            looseString     `json:"hash"`
		TransactionHash looseString     `json:"transaction_hash"`
		Amount          json.RawMessage `json:"amount"`
		Transaction     json.RawMessage `json:"transaction"`
	}

	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var tx rawTransaction
	if len(raw.Transaction) > 0 && raw.Transaction[0] == '{' {
		if err := json.Unmarshal(raw.Transaction, &tx); err != nil {
			return err
		}
	}

	e.Type = strings.TrimSpace(string(raw.Event))
	e.Token = strings.TrimSpace(string(raw.Token))
	e.TransactionID = firstNonEmpty(string(tx.ID), string(tx.Hash), string(raw.Hash), string(raw.TransactionHash))
	e.Status = firstNonEmpty(string(tx.Status), string(raw.Status), string(tx.PaymentStatus), string(raw.PaymentStatus))
	e.Raw = append(json.RawMessage(nil), data...)
	if e.Type != EventTransaction {
		return nil
	}

	amount := tx.Amount
	if len(amount) == 0 || string(amount) == "null" {
		amount = raw.Amount
	}
	if len(amount) > 0 && string(amount) != "null" {
		v, err := parseMinorUnits(amount)
		if err != nil {
			e.BadAmount = string(amount)
			return nil
		}
		e.Amount, e.HasAmount = v, true
	}
	return nil
}

// parseMinorUnits reads an amount literal. Digits alone are cents; a
// literal with a decimal point is already in major units.
func parseMinorUnits(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		s = strings.TrimSpace(str)
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !strings.ContainsAny(s, ".eE") {
		return d.Shift(-2), nil
	}
	return d, nil
}

// ParseEvent decodes a webhook body.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w", err)
	}
	return ev, nil
}

// MapStatus maps provider vocabulary onto the transaction state machine.
// Unrecognised statuses are pending refreshes.
func MapStatus(provider string) fsm.Status {
	switch strings.ToUpper(strings.TrimSpace(provider)) {
	case "COMPLETED", "PAID", "ACTIVE", "APPROVED":
		return fsm.StatusPaid
	case "EXPIRED":
		return fsm.StatusExpired
	case "CANCELED", "CANCELLED":
		return fsm.StatusCanceled
	case "FAILED", "ERROR", "REFUSED":
		return fsm.StatusFailed
	default:
		return fsm.StatusPending
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
