package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/attribution"
	"pixtrack/internal/tracking/fsm"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, DialectSQLite)
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, l *Ledger, c *clock)) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: t0}
			fn(t, New(mk(t)).WithClock(c.now), c)
		})
	}
}

func sample(id string) NewTransaction {
	return NewTransaction{
		ID:          id,
		UserID:      "u1",
		Plan:        "vip",
		Amount:      decimal.RequireFromString("49.90"),
		Attribution: attribution.Record{ClickID: "abc", Source: "fb", CapturedAt: t0.Add(-time.Minute)},
	}
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		ctx := context.Background()
		tx, created, err := l.Create(ctx, sample("T1"))
		if err != nil || !created {
			t.Fatalf("Create: created=%v err=%v", created, err)
		}
		if tx.Status != fsm.StatusCreated {
			t.Fatalf("expected created status, got %s", tx.Status)
		}

		got, err := l.Get(ctx, "T1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Amount.Equal(decimal.RequireFromString("49.9")) {
			t.Fatalf("unexpected amount %s", got.Amount)
		}
		if got.Attribution.ClickID != "abc" || got.Attribution.Source != "fb" {
			t.Fatalf("unexpected attribution %+v", got.Attribution)
		}
		if !got.Attribution.CapturedAt.Equal(t0.Add(-time.Minute)) {
			t.Fatalf("unexpected captured_at %v", got.Attribution.CapturedAt)
		}
		if !got.CreatedAt.Equal(t0) {
			t.Fatalf("unexpected created_at %v", got.CreatedAt)
		}

		if _, err := l.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCreateIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		ctx := context.Background()
		if _, _, err := l.Create(ctx, sample("T1")); err != nil {
			t.Fatal(err)
		}
		again := sample("T1")
		again.UserID = "someone-else"
		tx, created, err := l.Create(ctx, again)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if created || tx.UserID != "u1" {
			t.Fatalf("expected existing transaction, got created=%v %+v", created, tx)
		}
	})
}

func TestCreateSnapshotsAttribution(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		ctx := context.Background()
		in := sample("T1")
		live := &in.Attribution
		if _, _, err := l.Create(ctx, in); err != nil {
			t.Fatal(err)
		}
		live.ClickID = "changed-later"
		live.Source = "tiktok"

		got, _ := l.Get(ctx, "T1")
		if got.Attribution.ClickID != "abc" || got.Attribution.Source != "fb" {
			t.Fatalf("attribution leaked into stored transaction: %+v", got.Attribution)
		}
	})
}

func TestCreateValidates(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	bad := []NewTransaction{
		{UserID: "u", Amount: decimal.NewFromInt(1)},
		{ID: "T", Amount: decimal.NewFromInt(1)},
		{ID: "T", UserID: "u"},
		{ID: "T", UserID: "u", Amount: decimal.NewFromInt(1), Status: "bogus"},
	}
	for i, in := range bad {
		if _, _, err := l.Create(ctx, in); !errors.Is(err, ErrInvalidTransaction) {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	tx, _, err := l.Create(ctx, NewTransaction{ID: "T", UserID: "u", Amount: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatal(err)
	}
	if tx.Attribution.ClickID != attribution.ClickUnknown {
		t.Fatalf("expected sentinel click id, got %q", tx.Attribution.ClickID)
	}
}

func TestUpdateStatusIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		ctx := context.Background()
		if _, _, err := l.Create(ctx, sample("T1")); err != nil {
			t.Fatal(err)
		}

		c.advance(time.Minute)
		tx, changed, err := l.UpdateStatus(ctx, "T1", fsm.StatusPending)
		if err != nil || !changed || tx.Status != fsm.StatusPending {
			t.Fatalf("pending: %+v changed=%v err=%v", tx, changed, err)
		}

		tx, changed, err = l.UpdateStatus(ctx, "T1", fsm.StatusPending)
		if err != nil || changed {
			t.Fatalf("same status must be a no-op: changed=%v err=%v", changed, err)
		}

		c.advance(time.Minute)
		tx, changed, err = l.UpdateStatus(ctx, "T1", fsm.StatusPaid)
		if err != nil || !changed || tx.Status != fsm.StatusPaid {
			t.Fatalf("paid: %+v changed=%v err=%v", tx, changed, err)
		}
		if !tx.UpdatedAt.Equal(t0.Add(2 * time.Minute)) {
			t.Fatalf("unexpected updated_at %v", tx.UpdatedAt)
		}

		for _, to := range []Status{fsm.StatusPending, fsm.StatusCreated, fsm.StatusExpired, fsm.StatusFailed, fsm.StatusPaid} {
			tx, changed, err = l.UpdateStatus(ctx, "T1", to)
			if err != nil || changed || tx.Status != fsm.StatusPaid {
				t.Fatalf("terminal moved to %s: %+v changed=%v err=%v", to, tx, changed, err)
			}
		}

		got, _ := l.Get(ctx, "T1")
		if got.Status != fsm.StatusPaid {
			t.Fatalf("stored status changed to %s", got.Status)
		}
	})
}

func TestUpdateStatusUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		_, _, err := l.UpdateStatus(context.Background(), "missing", fsm.StatusPaid)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpdateStatusConcurrentSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		ctx := context.Background()
		if _, _, err := l.Create(ctx, sample("T1")); err != nil {
			t.Fatal(err)
		}
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, changed, err := l.UpdateStatus(ctx, "T1", fsm.StatusPaid)
				if err != nil {
					t.Errorf("UpdateStatus: %v", err)
					return
				}
				if changed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if winners != 1 {
			t.Fatalf("expected exactly one winning transition, got %d", winners)
		}
	})
}

func TestFindActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		ctx := context.Background()
		if _, _, err := l.Create(ctx, sample("old")); err != nil {
			t.Fatal(err)
		}
		c.advance(10 * time.Minute)
		if _, _, err := l.Create(ctx, sample("new")); err != nil {
			t.Fatal(err)
		}

		tx, err := l.FindActive(ctx, "u1", "vip", time.Hour)
		if err != nil || tx.ID != "new" {
			t.Fatalf("expected newest active, got %+v err=%v", tx, err)
		}

		if _, _, err := l.UpdateStatus(ctx, "new", fsm.StatusPaid); err != nil {
			t.Fatal(err)
		}
		tx, err = l.FindActive(ctx, "u1", "vip", time.Hour)
		if err != nil || tx.ID != "old" {
			t.Fatalf("expected fallback to older active, got %+v err=%v", tx, err)
		}

		c.advance(2 * time.Hour)
		if _, err := l.FindActive(ctx, "u1", "vip", time.Hour); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected nothing inside window, got %v", err)
		}
		if _, err := l.FindActive(ctx, "u1", "basic", 24*time.Hour); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected plan filter, got %v", err)
		}
	})
}

func TestExpireStale(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger, c *clock) {
		ctx := context.Background()
		for _, id := range []string{"A", "B", "C"} {
			if _, _, err := l.Create(ctx, sample(id)); err != nil {
				t.Fatal(err)
			}
		}
		if _, _, err := l.UpdateStatus(ctx, "B", fsm.StatusPaid); err != nil {
			t.Fatal(err)
		}
		c.advance(time.Hour)
		if _, _, err := l.Create(ctx, sample("D")); err != nil {
			t.Fatal(err)
		}

		n, err := l.ExpireStale(ctx, 30*time.Minute)
		if err != nil {
			t.Fatalf("ExpireStale: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 expired, got %d", n)
		}
		want := map[string]Status{"A": fsm.StatusExpired, "B": fsm.StatusPaid, "C": fsm.StatusExpired, "D": fsm.StatusCreated}
		for id, status := range want {
			got, _ := l.Get(ctx, id)
			if got.Status != status {
				t.Fatalf("%s: expected %s, got %s", id, status, got.Status)
			}
		}
	})
}

func TestDialectBind(t *testing.T) {
	q := `UPDATE t SET a = ? WHERE b = ? AND c = ?`
	if got := DialectPostgres.Bind(q); got != `UPDATE t SET a = $1 WHERE b = $2 AND c = $3` {
		t.Fatalf("unexpected postgres query %q", got)
	}
	if got := DialectMySQL.Bind(q); got != q {
		t.Fatalf("mysql query rewritten: %q", got)
	}
}
