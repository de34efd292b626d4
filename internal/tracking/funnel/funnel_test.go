package funnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/attribution"
	"pixtrack/internal/tracking/conversion"
	"pixtrack/internal/tracking/fsm"
	"pixtrack/internal/tracking/ledger"
	"pixtrack/internal/tracking/mapping"
	"pixtrack/internal/tracking/pay"
	"pixtrack/internal/tracking/reconcile"
	"pixtrack/internal/tracking/session"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type stubCharger struct {
	charges []pay.ChargeRequest
	next    int
	polled  string
	err     error
}

func (s *stubCharger) CreateCharge(ctx context.Context, req pay.ChargeRequest) (pay.Charge, error) {
	if s.err != nil {
		return pay.Charge{}, s.err
	}
	s.charges = append(s.charges, req)
	s.next++
	return pay.Charge{Hash: "tx" + string(rune('0'+s.next)), PaymentStatus: "waiting_payment", PixCode: "000201"}, nil
}

func (s *stubCharger) GetTransaction(ctx context.Context, hash string) (pay.TransactionStatus, error) {
	return pay.TransactionStatus{Hash: hash, Status: "authorized", PaymentStatus: s.polled}, nil
}

type countingTracker struct{ n int }

func (c *countingTracker) Deliver(ctx context.Context, ev conversion.Event) (string, error) {
	c.n++
	return "ok", nil
}

type fixture struct {
	mr       *miniredis.Miniredis
	svc      *Service
	mappings *mapping.RedisStore
	sessions *session.MemoryStore
	ledger   *ledger.Ledger
	charger  *stubCharger
	tracker  *countingTracker
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { rdb.Close() })

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	nowFn := func() time.Time { return *clock }

	mappings := mapping.NewRedisStore(rdb, testLogger{}, 10*time.Minute).WithClock(nowFn)
	sessions := session.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore()).WithClock(nowFn)
	tracker := &countingTracker{}
	em := conversion.NewEmitter(conversion.EmitterConfig{Tracker: tracker, Audit: conversion.NewMemoryAudit(), Logger: testLogger{}})
	engine := reconcile.NewEngine(l, em, testLogger{})
	charger := &stubCharger{polled: "waiting_payment"}

	svc := New(Deps{
		Codec:           attribution.NewCodec(mapping.Lookup{Store: mappings}, testLogger{}).WithClock(nowFn),
		Mappings:        mappings,
		Sessions:        sessions,
		Ledger:          l,
		Engine:          engine,
		Charger:         charger,
		Logger:          testLogger{},
		ActivePixWindow: time.Hour,
	})
	return &fixture{mr: mr, svc: svc, mappings: mappings, sessions: sessions, ledger: l, charger: charger, tracker: tracker, clock: clock}
}

func TestStartDecodesAndReplacesAttribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _ := attribution.Encode(attribution.Record{ClickID: "click-one-abcdefghij", Source: "fb", Campaign: "c1"})
	res, err := f.svc.Start(ctx, "u1", token)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Degraded || res.Attribution.ClickID != "click-one-abcdefghij" || res.Scheme != attribution.SchemeSelfContained {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := f.svc.Start(ctx, "u1", "kwai_2"); err != nil {
		t.Fatal(err)
	}
	rec, _ := f.sessions.Get(ctx, "u1")
	if rec.ClickID != "kwai_2" || rec.Source != "" || rec.Campaign != "" {
		t.Fatalf("expected replaced attribution, got %+v", rec)
	}
}

func TestStartOpaqueToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mappings.Put(ctx, "M0123456789a", `{"utm_source":"tok::click123::m::c::t::cont"}`); err != nil {
		t.Fatal(err)
	}
	if got := f.mr.HGet("tracking:mapping:M0123456789a", "accessed_at"); got != "" {
		t.Fatalf("fresh mapping should not be accessed yet, got %q", got)
	}
	*f.clock = f.clock.Add(3 * time.Minute)
	res, err := f.svc.Start(ctx, "u1", "M0123456789a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Attribution.ClickID != "click123" || res.Attribution.Content != "cont" || res.Attribution.Source != "" {
		t.Fatalf("unexpected attribution %+v", res.Attribution)
	}
	accessed, err := time.Parse(time.RFC3339Nano, f.mr.HGet("tracking:mapping:M0123456789a", "accessed_at"))
	if err != nil {
		t.Fatalf("accessed_at not recorded: %v", err)
	}
	if !accessed.Equal(*f.clock) {
		t.Fatalf("accessed_at = %s, want %s", accessed, *f.clock)
	}
}

func TestStartWithoutTokenUsesLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded || res.Attribution.ClickID != attribution.ClickUnknown {
		t.Fatalf("expected unknown attribution without mappings, got %+v", res)
	}

	if err := f.mappings.Put(ctx, "Mlatest", `{"click_id":"recent","utm_source":"tt"}`); err != nil {
		t.Fatal(err)
	}
	res, err = f.svc.Start(ctx, "u2", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Scheme != attribution.SchemeLatest || res.Attribution.ClickID != "recent" || res.Attribution.Source != "tt" {
		t.Fatalf("expected latest attribution, got %+v", res)
	}
}

func TestStartRequiresUser(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Start(context.Background(), " ", "abc"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCreatePixSnapshotsAttribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Start(ctx, "u1", "abc"); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.CreatePix(ctx, PixRequest{UserID: "u1", Plan: "vip", Amount: decimal.RequireFromString("49.90")})
	if err != nil {
		t.Fatalf("CreatePix: %v", err)
	}
	tx := res.Transaction
	if res.Reused || tx.ID != "tx1" || tx.Status != fsm.StatusPending || tx.PixCode != "000201" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if f.charger.charges[0].Attribution.ClickID != "abc" {
		t.Fatalf("charge did not carry attribution: %+v", f.charger.charges[0])
	}

	// a later start must not rewrite the stored transaction
	if _, err := f.svc.Start(ctx, "u1", "other-click"); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.ledger.Get(ctx, "tx1")
	if stored.Attribution.ClickID != "abc" {
		t.Fatalf("transaction attribution changed to %q", stored.Attribution.ClickID)
	}
}

func TestCreatePixReusesActiveCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := PixRequest{UserID: "u1", Plan: "vip", Amount: decimal.RequireFromString("49.90")}

	first, err := f.svc.CreatePix(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.CreatePix(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Reused || second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("expected reuse, got %+v", second)
	}
	if len(f.charger.charges) != 1 {
		t.Fatalf("expected a single provider charge, got %d", len(f.charger.charges))
	}

	*f.clock = f.clock.Add(2 * time.Hour)
	third, err := f.svc.CreatePix(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if third.Reused {
		t.Fatal("charges outside the window must not be reused")
	}
}

func TestCreatePixWithoutSessionUsesSentinel(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreatePix(context.Background(), PixRequest{UserID: "u9", Amount: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Attribution.ClickID != attribution.ClickUnknown {
		t.Fatalf("expected sentinel click, got %q", res.Transaction.Attribution.ClickID)
	}
}

func TestCreatePixChargeFailure(t *testing.T) {
	f := newFixture(t)
	f.charger.err = errors.New("provider down")
	_, err := f.svc.CreatePix(context.Background(), PixRequest{UserID: "u1", Amount: decimal.NewFromInt(10)})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := f.ledger.Get(context.Background(), "tx1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("no ledger entry expected after a failed charge")
	}
}

func TestRefreshAppliesPolledStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Start(ctx, "u1", "abc"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreatePix(ctx, PixRequest{UserID: "u1", Plan: "vip", Amount: decimal.NewFromInt(10)}); err != nil {
		t.Fatal(err)
	}

	f.charger.polled = "paid"
	out, err := f.svc.Refresh(ctx, "tx1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if out.Transaction.Status != fsm.StatusPaid || out.Conversion != conversion.ResultSent {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, err := f.svc.Refresh(ctx, "tx1"); err != nil {
		t.Fatal(err)
	}
	if f.tracker.n != 1 {
		t.Fatalf("expected one conversion, got %d", f.tracker.n)
	}

	if _, err := f.svc.Refresh(ctx, "missing"); !errors.Is(err, reconcile.ErrUnknownTransaction) {
		t.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
}
