package conversion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/ledger"
)

func sampleEvent() Event {
	return Event{
		ID:            "e1",
		TransactionID: "T1",
		ClickID:       "abc",
		Source:        "fb",
		Value:         decimal.RequireFromString("49.9"),
		Currency:      "BRL",
		EmittedAt:     now,
	}
}

func TestXtrackyDeliver(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	tr, err := NewXtrackyTracker(XtrackyConfig{URL: srv.URL, Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := tr.Deliver(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if resp != `{"success":true}` {
		t.Fatalf("unexpected response %q", resp)
	}
	if got["token"] != "tok" || got["click_id"] != "abc" || got["utm_source"] != "fb" || got["transaction_id"] != "T1" {
		t.Fatalf("unexpected payload %v", got)
	}
	if v, ok := got["value"].(float64); !ok || v != 49.9 {
		t.Fatalf("value must be numeric 49.90, got %#v", got["value"])
	}
	if _, ok := got["utm_medium"]; ok {
		t.Fatal("empty utm fields must be omitted")
	}
}

func TestXtrackyErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`invalid click`))
	}))
	defer srv.Close()

	tr, _ := NewXtrackyTracker(XtrackyConfig{URL: srv.URL, Token: "tok"})
	_, err := tr.Deliver(context.Background(), sampleEvent())
	var te *TrackerError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TrackerError, got %v", err)
	}
	if te.StatusCode != http.StatusUnprocessableEntity || te.Body != "invalid click" {
		t.Fatalf("unexpected error %+v", te)
	}
}

func TestNewXtrackyTrackerRequiresToken(t *testing.T) {
	if _, err := NewXtrackyTracker(XtrackyConfig{}); err == nil {
		t.Fatal("expected error")
	}
}

type stubWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *stubWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaTrackerKeysByTransaction(t *testing.T) {
	w := &stubWriter{}
	if _, err := NewKafkaTracker(w).Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "T1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var ev Event
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ClickID != "abc" || !ev.Value.Equal(decimal.RequireFromString("49.9")) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMultiTracker(t *testing.T) {
	ok := &stubWriter{}
	bad := &stubWriter{err: errors.New("broker down")}
	m := MultiTracker{NewKafkaTracker(ok), NewKafkaTracker(bad)}
	if _, err := m.Deliver(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.msgs) != 1 {
		t.Fatal("healthy tracker must still receive the event")
	}
}

func TestSQLAudit(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	audit := NewSQLAudit(db, ledger.DialectSQLite)
	ctx := context.Background()
	rec := AuditRecord{TransactionID: "T1", ClickID: "abc", Source: "fb", Value: decimal.RequireFromString("49.90"), Status: AuditPending, CreatedAt: now}

	claimed, err := audit.Claim(ctx, rec)
	if err != nil || !claimed {
		t.Fatalf("Claim: %v %v", claimed, err)
	}
	claimed, err = audit.Claim(ctx, rec)
	if err != nil || claimed {
		t.Fatalf("second Claim must report duplicate: %v %v", claimed, err)
	}
	if err := audit.Complete(ctx, "T1", AuditSent, "ok"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := audit.Get(ctx, "T1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != AuditSent || got.Response != "ok" || got.ClickID != "abc" || !got.Value.Equal(decimal.RequireFromString("49.9")) {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := audit.Complete(ctx, "missing", AuditSent, ""); !errors.Is(err, ErrAuditNotFound) {
		t.Fatalf("expected ErrAuditNotFound, got %v", err)
	}
}
