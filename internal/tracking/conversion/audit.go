package conversion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/ledger"
)

// AuditStatus is the delivery state recorded for a transaction.
type AuditStatus string

const (
	AuditPending AuditStatus = "pending"
	AuditSent    AuditStatus = "sent"
	AuditFailed  AuditStatus = "failed"
	AuditNotSent AuditStatus = "not_sent"
)

// AuditRecord is one conversion_logs row.
type AuditRecord struct {
	TransactionID string          `json:"transaction_id"`
	ClickID       string          `json:"click_id"`
	Source        string          `json:"utm_source"`
	Campaign      string          `json:"utm_campaign"`
	Value         decimal.Decimal `json:"conversion_value"`
	Status        AuditStatus     `json:"status"`
	Response      string          `json:"tracker_response"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuditLog records at most one conversion per transaction.
type AuditLog interface {
	// Claim inserts rec. It reports false when the transaction already has
	// a record, which callers treat as a duplicate emission.
	Claim(ctx context.Context, rec AuditRecord) (bool, error)
	Complete(ctx context.Context, transactionID string, status AuditStatus, response string) error
	Get(ctx context.Context, transactionID string) (AuditRecord, error)
}

// ErrAuditNotFound is returned by Get for a transaction with no record.
var ErrAuditNotFound = errors.New("conversion log not found")

// MemoryAudit is an in-process AuditLog.
type MemoryAudit struct {
	mu   sync.Mutex
	rows map[string]AuditRecord
}

// NewMemoryAudit creates an empty audit log.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{rows: make(map[string]AuditRecord)}
}

func (a *MemoryAudit) Claim(ctx context.Context, rec AuditRecord) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rows[rec.TransactionID]; ok {
		return false, nil
	}
	a.rows[rec.TransactionID] = rec
	return true, nil
}

func (a *MemoryAudit) Complete(ctx context.Context, transactionID string, status AuditStatus, response string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.rows[transactionID]
	if !ok {
		return ErrAuditNotFound
	}
	rec.Status = status
	rec.Response = response
	a.rows[transactionID] = rec
	return nil
}

func (a *MemoryAudit) Get(ctx context.Context, transactionID string) (AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.rows[transactionID]
	if !ok {
		return AuditRecord{}, ErrAuditNotFound
	}
	return rec, nil
}

// SQLAudit stores records in the conversion_logs table.
type SQLAudit struct {
	db      *sql.DB
	dialect ledger.Dialect

	once sync.Once
	err  error
}

// NewSQLAudit creates an audit log over db.
func NewSQLAudit(db *sql.DB, dialect ledger.Dialect) *SQLAudit {
	return &SQLAudit{db: db, dialect: dialect}
}

func (a *SQLAudit) ensureSchema(ctx context.Context) error {
	a.once.Do(func() {
		const ddl = `
CREATE TABLE IF NOT EXISTS conversion_logs (
  transaction_id VARCHAR(64) NOT NULL PRIMARY KEY,
  click_id VARCHAR(255) NOT NULL DEFAULT '',
  utm_source VARCHAR(255) NOT NULL DEFAULT '',
  utm_campaign VARCHAR(255) NOT NULL DEFAULT '',
  conversion_value DECIMAL(12,2) NOT NULL,
  status VARCHAR(16) NOT NULL,
  tracker_response TEXT,
  created_at TIMESTAMP NOT NULL
)`
		_, a.err = a.db.ExecContext(ctx, ddl)
	})
	return a.err
}

func (a *SQLAudit) Claim(ctx context.Context, rec AuditRecord) (bool, error) {
	if err := a.ensureSchema(ctx); err != nil {
		return false, err
	}
	if _, err := a.get(ctx, rec.TransactionID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrAuditNotFound) {
		return false, err
	}
	_, err := a.db.ExecContext(ctx, a.dialect.Bind(`INSERT INTO conversion_logs
(transaction_id, click_id, utm_source, utm_campaign, conversion_value, status, tracker_response, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TransactionID, rec.ClickID, rec.Source, rec.Campaign, rec.Value.StringFixed(2),
		string(rec.Status), rec.Response, rec.CreatedAt.UTC(),
	)
	if err != nil {
		if _, getErr := a.get(ctx, rec.TransactionID); getErr == nil {
			return false, nil
		}
		return false, fmt.Errorf("insert conversion log %s: %w", rec.TransactionID, err)
	}
	return true, nil
}

func (a *SQLAudit) Complete(ctx context.Context, transactionID string, status AuditStatus, response string) error {
	if err := a.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx, a.dialect.Bind(`UPDATE conversion_logs SET status = ?, tracker_response = ? WHERE transaction_id = ?`),
		string(status), response, transactionID)
	if err != nil {
		return fmt.Errorf("update conversion log %s: %w", transactionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAuditNotFound
	}
	return nil
}

func (a *SQLAudit) Get(ctx context.Context, transactionID string) (AuditRecord, error) {
	if err := a.ensureSchema(ctx); err != nil {
		return AuditRecord{}, err
	}
	return a.get(ctx, transactionID)
}

func (a *SQLAudit) get(ctx context.Context, transactionID string) (AuditRecord, error) {
	var (
		rec      AuditRecord
		status   string
		response sql.NullString
	)
	err := a.db.QueryRowContext(ctx, a.dialect.Bind(`SELECT transaction_id, click_id, utm_source, utm_campaign,
conversion_value, status, tracker_response, created_at FROM conversion_logs WHERE transaction_id = ?`), transactionID).
		Scan(&rec.TransactionID, &rec.ClickID, &rec.Source, &rec.Campaign, &rec.Value, &status, &response, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuditRecord{}, ErrAuditNotFound
		}
		return AuditRecord{}, fmt.Errorf("get conversion log %s: %w", transactionID, err)
	}
	rec.Status = AuditStatus(status)
	rec.Response = response.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
