package fsm

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Status is the lifecycle state of a PIX transaction.
type Status string

// Status constants used by the transaction state machine.
const (
	StatusCreated  Status = "created"
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
	StatusFailed   Status = "failed"
)

var transitions = map[Status]map[Status]struct{}{
	StatusCreated: {
		StatusPending:  {},
		StatusPaid:     {},
		StatusExpired:  {},
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusPending: {
		StatusPaid:     {},
		StatusExpired:  {},
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusPaid:     {},
	StatusExpired:  {},
	StatusCanceled: {},
	StatusFailed:   {},
}

// ErrInvalidTransition is returned by Apply for a move the table does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s is absorbing.
func IsTerminal(s Status) bool {
	allowed, ok := transitions[s]
	return ok && len(allowed) == 0
}

// NonTerminal lists the statuses a transaction can still leave.
func NonTerminal() []Status {
	return []Status{StatusCreated, StatusPending}
}

// CanTransition returns whether a transaction can move from the current status to the target status.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Advances reports whether moving from -> to changes the stored state.
// Same-status refreshes and backward moves are not advances.
func Advances(from, to Status) bool {
	return from != to && CanTransition(from, to)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Apply updates a transaction status using optimistic validation. bind
// rewrites the placeholder style for the active driver.
func Apply(ctx context.Context, db execer, bind func(string) string, transactionID string, from, to Status, at time.Time) error {
	if !Advances(from, to) {
		return ErrInvalidTransition
	}
	q := `UPDATE pix_transactions SET status = ?, updated_at = ? WHERE transaction_id = ? AND status = ?`
	if bind != nil {
		q = bind(q)
	}
	res, err := db.ExecContext(ctx, q, string(to), at, transactionID, string(from))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
