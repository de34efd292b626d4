package mapping

import (
	"context"
	"strings"
	"testing"

	"pixtrack/internal/tracking/attribution"
)

func TestLinkerShortPayloadIsSelfContained(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	l := NewLinker(store)

	link, err := l.Register(context.Background(), map[string]string{"click_id": "abc"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if link.Opaque || len(link.Token) > MaxDeepLinkLen {
		t.Fatalf("unexpected link %+v", link)
	}
	res := attribution.NewCodec(nil, testLogger{}).Decode(context.Background(), link.Token)
	if res.Scheme != attribution.SchemeSelfContained || res.Record.ClickID != "abc" {
		t.Fatalf("token should decode as self-contained, got %+v", res)
	}
}

func TestLinkerTinyPayloadStoresMapping(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	l := NewLinker(store)
	ctx := context.Background()

	// {"a":"b"} encodes to 12 characters, which would read back as a raw click id
	link, err := l.Register(ctx, map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !link.Opaque {
		t.Fatalf("expected opaque link for short encoding, got %+v", link)
	}
	e, ok := store.Get(ctx, link.Token)
	if !ok {
		t.Fatalf("mapping %s not stored", link.Token)
	}
	if e.Original != `{"a":"b"}` {
		t.Fatalf("unexpected stored payload %q", e.Original)
	}
}

func TestLinkerLongPayloadStoresMapping(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	l := NewLinker(store)
	ctx := context.Background()
	fields := map[string]string{
		"utm_source": "tok::72701474-7e6c-4c87-b4f2::cpc::summer_sale::vip::video_1",
	}

	link, err := l.Register(ctx, fields)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !link.Opaque || !strings.HasPrefix(link.Token, "M") || len(link.Token) != 12 {
		t.Fatalf("expected opaque link, got %+v", link)
	}

	codec := attribution.NewCodec(Lookup{Store: store}, testLogger{})
	res := codec.Decode(ctx, link.Token)
	if res.Degraded {
		t.Fatalf("unexpected degraded decode: %s", res.Reason)
	}
	if res.Record.ClickID != "72701474-7e6c-4c87-b4f2" || res.Record.Content != "video_1" {
		t.Fatalf("unexpected record %+v", res.Record)
	}
}

func TestLinkerRetriesOnCollision(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	ctx := context.Background()
	if err := store.Put(ctx, "Mtaken", "{}"); err != nil {
		t.Fatal(err)
	}
	ids := []string{"Mtaken", "Mfree"}
	l := NewLinker(store)
	l.maxLen = 1
	l.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	link, err := l.Register(ctx, map[string]string{"click_id": "abc"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if link.Token != "Mfree" {
		t.Fatalf("expected second id, got %q", link.Token)
	}
}
