package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/attribution"
	"pixtrack/internal/tracking/fsm"
)

var (
	// ErrNotFound is returned for an unknown transaction id.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransaction wraps input validation failures.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// Status aliases the state machine status so callers need a single import.
type Status = fsm.Status

// Transaction is a PIX charge tracked locally. Attribution is a snapshot
// taken at creation and never changes afterwards.
type Transaction struct {
	ID          string             `json:"transaction_id"`
	UserID      string             `json:"user_id"`
	Plan        string             `json:"plan,omitempty"`
	Amount      decimal.Decimal    `json:"amount"`
	Status      Status             `json:"status"`
	PixCode     string             `json:"pix_code,omitempty"`
	Attribution attribution.Record `json:"attribution"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Store persists transactions. UpdateStatus must be an atomic
// compare-and-set on the current status.
type Store interface {
	// Create inserts tx. When the id already exists the stored transaction
	// is returned with created=false.
	Create(ctx context.Context, tx Transaction) (Transaction, bool, error)
	Get(ctx context.Context, id string) (Transaction, error)
	// UpdateStatus moves the transaction forward. A move that is not an
	// advance leaves it untouched and reports changed=false.
	UpdateStatus(ctx context.Context, id string, to Status, at time.Time) (Transaction, bool, error)
	// FindActive returns the newest non-terminal transaction for the user
	// and plan created at or after since.
	FindActive(ctx context.Context, userID, plan string, since time.Time) (Transaction, error)
	// ExpireStale marks non-terminal transactions created before the
	// cutoff as expired.
	ExpireStale(ctx context.Context, before, at time.Time) (int64, error)
}

// NewTransaction carries the inputs for Ledger.Create.
type NewTransaction struct {
	ID          string
	UserID      string
	Plan        string
	Amount      decimal.Decimal
	PixCode     string
	Status      Status
	Attribution attribution.Record
}

// Ledger owns the transaction lifecycle on top of a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Create opens a transaction. The attribution is copied, so later changes to
// the caller's record do not reach the stored transaction.
func (l *Ledger) Create(ctx context.Context, in NewTransaction) (Transaction, bool, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return Transaction{}, false, fmt.Errorf("%w: transaction id is required", ErrInvalidTransaction)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return Transaction{}, false, fmt.Errorf("%w: user id is required", ErrInvalidTransaction)
	}
	if !in.Amount.IsPositive() {
		return Transaction{}, false, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidTransaction, in.Amount)
	}
	status := in.Status
	if status == "" {
		status = fsm.StatusCreated
	}
	if !fsm.Valid(status) {
		return Transaction{}, false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, status)
	}
	snapshot := in.Attribution
	if strings.TrimSpace(snapshot.ClickID) == "" {
		snapshot.ClickID = attribution.ClickUnknown
	}
	now := l.now().UTC()
	return l.store.Create(ctx, Transaction{
		ID:          id,
		UserID:      in.UserID,
		Plan:        in.Plan,
		Amount:      in.Amount.Round(2),
		Status:      status,
		PixCode:     in.PixCode,
		Attribution: snapshot,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// Get returns a transaction by id.
func (l *Ledger) Get(ctx context.Context, id string) (Transaction, error) {
	return l.store.Get(ctx, id)
}

// UpdateStatus applies a forward transition; anything else is a no-op that
// returns the current state.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, to Status) (Transaction, bool, error) {
	if !fsm.Valid(to) {
		return Transaction{}, false, fmt.Errorf("ledger: unknown status %q", to)
	}
	return l.store.UpdateStatus(ctx, id, to, l.now().UTC())
}

// FindActive returns a reusable pending charge for the user and plan.
func (l *Ledger) FindActive(ctx context.Context, userID, plan string, window time.Duration) (Transaction, error) {
	return l.store.FindActive(ctx, userID, plan, l.now().UTC().Add(-window))
}

// ExpireStale expires non-terminal transactions older than maxAge.
func (l *Ledger) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := l.now().UTC()
	return l.store.ExpireStale(ctx, now.Add(-maxAge), now)
}
