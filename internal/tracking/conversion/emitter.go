package conversion

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pixtrack/internal/tracking/ledger"
	"pixtrack/internal/tracking/metrics"
)

// EmitterConfig wires an Emitter. Tracker and Audit are required.
type EmitterConfig struct {
	Tracker  Tracker
	Audit    AuditLog
	Notifier Notifier
	Logger   Logger
	Currency string
}

// Emitter sends at most one conversion per paid transaction.
type Emitter struct {
	tracker  Tracker
	audit    AuditLog
	notifier Notifier
	logger   Logger
	currency string
	now      func() time.Time
}

// NewEmitter creates an emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	currency := cfg.Currency
	if currency == "" {
		currency = "BRL"
	}
	return &Emitter{
		tracker:  cfg.Tracker,
		audit:    cfg.Audit,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		currency: currency,
		now:      time.Now,
	}
}

// WithClock overrides the emission timestamp source.
func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	e.now = now
	return e
}

// NewEvent builds the conversion event for a transaction.
func (e *Emitter) NewEvent(tx ledger.Transaction) Event {
	a := tx.Attribution
	return Event{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		ClickID:       a.ClickID,
		Source:        a.Source,
		Medium:        a.Medium,
		Campaign:      a.Campaign,
		Term:          a.Term,
		Content:       a.Content,
		Value:         tx.Amount,
		Currency:      e.currency,
		EmittedAt:     e.now().UTC(),
	}
}

// Emit records and delivers the conversion for tx. A transaction without a
// usable click id is recorded as not sent. Delivery failures are logged and
// reported as ResultDeliveryFailed; the returned error is reserved for audit
// storage failures.
func (e *Emitter) Emit(ctx context.Context, tx ledger.Transaction) (Result, error) {
	ev := e.NewEvent(tx)
	rec := AuditRecord{
		TransactionID: tx.ID,
		ClickID:       ev.ClickID,
		Source:        ev.Source,
		Campaign:      ev.Campaign,
		Value:         ev.Value,
		Status:        AuditPending,
		CreatedAt:     ev.EmittedAt,
	}

	if !tx.Attribution.HasClick() {
		rec.Status = AuditNotSent
		claimed, err := e.audit.Claim(ctx, rec)
		if err != nil {
			return "", err
		}
		if !claimed {
			return e.done(ResultDuplicate), nil
		}
		e.logger.Infof("conversion: transaction %s paid without attribution (click_id=%q), not sent", tx.ID, ev.ClickID)
		return e.done(ResultNoAttribution), nil
	}

	claimed, err := e.audit.Claim(ctx, rec)
	if err != nil {
		return "", err
	}
	if !claimed {
		e.logger.Infof("conversion: transaction %s already emitted", tx.ID)
		return e.done(ResultDuplicate), nil
	}

	resp, err := e.tracker.Deliver(ctx, ev)
	if err != nil {
		e.logger.Errorf("conversion: deliver transaction %s click %s: %v", tx.ID, ev.ClickID, err)
		if cerr := e.audit.Complete(ctx, tx.ID, AuditFailed, err.Error()); cerr != nil {
			e.logger.Errorf("conversion: audit %s: %v", tx.ID, cerr)
		}
		return e.done(ResultDeliveryFailed), nil
	}
	if cerr := e.audit.Complete(ctx, tx.ID, AuditSent, resp); cerr != nil {
		e.logger.Errorf("conversion: audit %s: %v", tx.ID, cerr)
	}
	e.logger.Infof("conversion: sent transaction=%s click_id=%s value=%s", tx.ID, ev.ClickID, ev.Value.StringFixed(2))
	if e.notifier != nil {
		e.notifier.Publish(ev)
	}
	return e.done(ResultSent), nil
}

func (e *Emitter) done(r Result) Result {
	metrics.ConversionTotal.WithLabelValues(string(r)).Inc()
	return r
}
