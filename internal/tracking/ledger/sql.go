package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pixtrack/internal/tracking/fsm"
)

// Dialect names the SQL driver a store talks to.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "pgx"
	DialectSQLite   Dialect = "sqlite3"
)

// Bind rewrites '?' placeholders for drivers that use positional '$n'.
func (d Dialect) Bind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const txColumns = `transaction_id, user_id, plan, amount, status, pix_code,
click_id, utm_source, utm_medium, utm_campaign, utm_term, utm_content, attributed_at,
created_at, updated_at`

// SQLStore persists transactions in the pix_transactions table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	once sync.Once
	err  error
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	s.once.Do(func() {
		ddl := `
CREATE TABLE IF NOT EXISTS pix_transactions (
  transaction_id VARCHAR(64) NOT NULL PRIMARY KEY,
  user_id VARCHAR(64) NOT NULL,
  plan VARCHAR(64) NOT NULL DEFAULT '',
  amount DECIMAL(12,2) NOT NULL,
  status VARCHAR(16) NOT NULL,
  pix_code TEXT,
  click_id VARCHAR(255) NOT NULL DEFAULT '',
  utm_source VARCHAR(255) NOT NULL DEFAULT '',
  utm_medium VARCHAR(255) NOT NULL DEFAULT '',
  utm_campaign VARCHAR(255) NOT NULL DEFAULT '',
  utm_term VARCHAR(255) NOT NULL DEFAULT '',
  utm_content VARCHAR(255) NOT NULL DEFAULT '',
  attributed_at TIMESTAMP NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL`
		if s.dialect == DialectMySQL {
			ddl += `,
  KEY idx_pix_user_plan (user_id, plan, status)
) DEFAULT CHARSET=utf8mb4`
		} else {
			ddl += "\n)"
		}
		if _, s.err = s.db.ExecContext(ctx, ddl); s.err != nil {
			return
		}
		if s.dialect != DialectMySQL {
			_, s.err = s.db.ExecContext(ctx,
				`CREATE INDEX IF NOT EXISTS idx_pix_user_plan ON pix_transactions (user_id, plan, status)`)
		}
	})
	return s.err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx         Transaction
		status     string
		pixCode    sql.NullString
		attributed sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Plan, &tx.Amount, &status, &pixCode,
		&tx.Attribution.ClickID, &tx.Attribution.Source, &tx.Attribution.Medium,
		&tx.Attribution.Campaign, &tx.Attribution.Term, &tx.Attribution.Content, &attributed,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	tx.Status = Status(status)
	tx.PixCode = pixCode.String
	if attributed.Valid {
		tx.Attribution.CapturedAt = attributed.Time.UTC()
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

func (s *SQLStore) Create(ctx context.Context, tx Transaction) (Transaction, bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Transaction{}, false, err
	}
	if existing, err := s.get(ctx, tx.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Transaction{}, false, err
	}

	var attributed sql.NullTime
	if !tx.Attribution.CapturedAt.IsZero() {
		attributed = sql.NullTime{Time: tx.Attribution.CapturedAt.UTC(), Valid: true}
	}
	a := tx.Attribution
	_, err := s.db.ExecContext(ctx, s.dialect.Bind(`INSERT INTO pix_transactions (`+txColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tx.ID, tx.UserID, tx.Plan, tx.Amount.StringFixed(2), string(tx.Status), tx.PixCode,
		a.ClickID, a.Source, a.Medium, a.Campaign, a.Term, a.Content, attributed,
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		// a concurrent insert of the same id wins; report what it stored
		if existing, getErr := s.get(ctx, tx.ID); getErr == nil {
			return existing, false, nil
		}
		return Transaction{}, false, fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return tx, true, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Transaction, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Transaction{}, err
	}
	return s.get(ctx, id)
}

func (s *SQLStore) get(ctx context.Context, id string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Bind(`SELECT `+txColumns+` FROM pix_transactions WHERE transaction_id = ?`), id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

// casAttempts bounds how often UpdateStatus re-reads after losing a race.
const casAttempts = 3

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, to Status, at time.Time) (Transaction, bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Transaction{}, false, err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := s.get(ctx, id)
		if err != nil {
			return Transaction{}, false, err
		}
		if !fsm.Advances(cur.Status, to) {
			return cur, false, nil
		}
		err = fsm.Apply(ctx, s.db, s.dialect.Bind, id, cur.Status, to, at)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return Transaction{}, false, fmt.Errorf("update transaction %s: %w", id, err)
		}
		cur.Status = to
		cur.UpdatedAt = at
		return cur, true, nil
	}
	cur, err := s.get(ctx, id)
	return cur, false, err
}

func (s *SQLStore) FindActive(ctx context.Context, userID, plan string, since time.Time) (Transaction, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Transaction{}, err
	}
	row := s.db.QueryRowContext(ctx, s.dialect.Bind(`SELECT `+txColumns+` FROM pix_transactions
WHERE user_id = ? AND plan = ? AND status IN (?, ?) AND created_at >= ?
ORDER BY created_at DESC LIMIT 1`),
		userID, plan, string(fsm.StatusCreated), string(fsm.StatusPending), since.UTC())
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("find active transaction: %w", err)
	}
	return tx, nil
}

func (s *SQLStore) ExpireStale(ctx context.Context, before, at time.Time) (int64, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Bind(`UPDATE pix_transactions SET status = ?, updated_at = ?
WHERE status IN (?, ?) AND created_at < ?`),
		string(fsm.StatusExpired), at.UTC(), string(fsm.StatusCreated), string(fsm.StatusPending), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale transactions: %w", err)
	}
	return res.RowsAffected()
}
