package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pixtrack/internal/tracking/conversion"
	"pixtrack/internal/tracking/fsm"
	"pixtrack/internal/tracking/ledger"
	"pixtrack/internal/tracking/metrics"
)

var (
	// ErrUnknownTransaction reports an event for a transaction the ledger
	// never saw. No state is changed.
	ErrUnknownTransaction = errors.New("transaction_not_found")
	// ErrMissingTransactionID reports a transaction event without an id.
	ErrMissingTransactionID = errors.New("webhook: missing transaction id")
)

// OutcomeKind classifies how an event was handled.
type OutcomeKind string

const (
	OutcomeIgnored OutcomeKind = "ignored"
	OutcomeApplied OutcomeKind = "applied"
	OutcomeStale   OutcomeKind = "unchanged"
)

// Outcome describes a handled event.
type Outcome struct {
	Kind        OutcomeKind        `json:"status"`
	Transaction ledger.Transaction `json:"-"`
	Conversion  conversion.Result  `json:"conversion,omitempty"`
}

// Emitter sends the conversion for a newly paid transaction.
type Emitter interface {
	Emit(ctx context.Context, tx ledger.Transaction) (conversion.Result, error)
}

// Logger provides minimal logging required by the engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Engine applies provider status events to the ledger.
type Engine struct {
	ledger  *ledger.Ledger
	emitter Emitter
	logger  Logger
	locks   keyLock
}

// NewEngine creates an engine.
func NewEngine(l *ledger.Ledger, emitter Emitter, logger Logger) *Engine {
	return &Engine{ledger: l, emitter: emitter, logger: logger}
}

// Handle processes a webhook event. Events other than transaction events are
// ignored. An unknown transaction id returns ErrUnknownTransaction.
func (e *Engine) Handle(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Type != EventTransaction {
		e.logger.Infof("reconcile: ignoring event %q", ev.Type)
		metrics.WebhookTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		return Outcome{Kind: OutcomeIgnored}, nil
	}
	if ev.TransactionID == "" {
		metrics.WebhookTotal.WithLabelValues("malformed").Inc()
		return Outcome{}, ErrMissingTransactionID
	}
	out, err := e.Apply(ctx, ev.TransactionID, ev.Status)
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			metrics.WebhookTotal.WithLabelValues("not_found").Inc()
		}
		return out, err
	}
	if ev.BadAmount != "" {
		e.logger.Infof("reconcile: transaction %s unreadable amount %s", ev.TransactionID, ev.BadAmount)
	}
	if ev.HasAmount && !ev.Amount.Equal(out.Transaction.Amount) {
		e.logger.Infof("reconcile: transaction %s amount mismatch: event=%s ledger=%s",
			ev.TransactionID, ev.Amount.StringFixed(2), out.Transaction.Amount.StringFixed(2))
	}
	metrics.WebhookTotal.WithLabelValues(string(out.Kind)).Inc()
	return out, nil
}

// Apply moves a transaction to the status mapped from providerStatus and
// emits the conversion when this call is the one that reached paid. It is
// shared by webhooks and status polling.
func (e *Engine) Apply(ctx context.Context, transactionID, providerStatus string) (Outcome, error) {
	unlock := e.locks.Lock(transactionID)
	defer unlock()

	to := MapStatus(providerStatus)
	tx, changed, err := e.ledger.UpdateStatus(ctx, transactionID, to)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			e.logger.Infof("reconcile: unknown transaction %s (status %q)", transactionID, providerStatus)
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
		}
		return Outcome{}, err
	}
	if !changed {
		return Outcome{Kind: OutcomeStale, Transaction: tx}, nil
	}

	metrics.TransitionTotal.WithLabelValues(string(to)).Inc()
	e.logger.Infof("reconcile: transaction %s -> %s (provider %q)", transactionID, to, providerStatus)
	out := Outcome{Kind: OutcomeApplied, Transaction: tx}
	if to != fsm.StatusPaid || e.emitter == nil {
		return out, nil
	}

	res, err := e.emitter.Emit(ctx, tx)
	if err != nil {
		// the ledger stays authoritative; conversion loss is only logged
		e.logger.Errorf("reconcile: emit conversion for %s: %v", transactionID, err)
		return out, nil
	}
	out.Conversion = res
	return out, nil
}

// keyLock serialises work per transaction id.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its release func.
func (k *keyLock) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyEntry)
	}
	ent, ok := k.locks[key]
	if !ok {
		ent = &keyEntry{}
		k.locks[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		k.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
