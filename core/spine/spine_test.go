package spine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sovereignchain/storage/sqlstore"
)

func newTestSpine(t *testing.T) (*Spine, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(store.DB), store
}

func TestComputeEventIDIgnoresKeyOrderAndBindsActor(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"b":2,"a":1}`)

	id1, err := ComputeEventID("alice", "finance.send", payload, ts)
	if err != nil {
		t.Fatalf("compute event id: %v", err)
	}
	id2, err := ComputeEventID("alice", "finance.send", json.RawMessage(`{"a":1,"b":2}`), ts)
	if err != nil {
		t.Fatalf("compute event id: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected canonicalization to make key order irrelevant, got %s vs %s", id1, id2)
	}

	id3, err := ComputeEventID("bob", "finance.send", payload, ts)
	if err != nil {
		t.Fatalf("compute event id: %v", err)
	}
	if id1 == id3 {
		t.Fatalf("expected different actor to yield a different event id")
	}
}

func TestWriteRejectsDuplicateEventID(t *testing.T) {
	_, store := newTestSpine(t)
	defer store.Close()
	ctx := context.Background()

	e := &Event{Actor: "alice", Type: "finance.send", Payload: json.RawMessage(`{"amount":100}`), Timestamp: time.Now().UTC()}
	if _, err := Write(ctx, store.DB, e); err != nil {
		t.Fatalf("first write: %v", err)
	}

	dup := &Event{EventID: e.EventID, Actor: e.Actor, Type: e.Type, Payload: e.Payload, Timestamp: e.Timestamp}
	if _, err := Write(ctx, store.DB, dup); err == nil {
		t.Fatalf("expected duplicate event write to fail")
	}
}

func TestWriteRejectsTamperedEventID(t *testing.T) {
	s, store := newTestSpine(t)
	defer store.Close()
	ctx := context.Background()
	_ = s

	e := &Event{EventID: "not-the-real-id", Actor: "alice", Type: "finance.send", Timestamp: time.Now().UTC()}
	if _, err := Write(ctx, store.DB, e); err == nil {
		t.Fatalf("expected write to reject a supplied event_id that does not match the recomputed id")
	}
}

func TestFindByActorAndFindByTypeReturnNewestFirst(t *testing.T) {
	s, store := newTestSpine(t)
	defer store.Close()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := &Event{
			Actor:     "alice",
			Type:      "finance.send",
			Payload:   json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := Write(ctx, store.DB, e); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	byActor, err := s.FindByActor(ctx, "alice", "finance.send", 10)
	if err != nil {
		t.Fatalf("find by actor: %v", err)
	}
	if len(byActor) != 3 {
		t.Fatalf("expected 3 events, got %d", len(byActor))
	}
	if !byActor[0].Timestamp.After(byActor[1].Timestamp) {
		t.Fatalf("expected newest-first ordering")
	}

	byType, err := s.FindByType(ctx, "finance.send", 10)
	if err != nil {
		t.Fatalf("find by type: %v", err)
	}
	if len(byType) != 3 {
		t.Fatalf("expected 3 events by type, got %d", len(byType))
	}
	if !byType[0].Timestamp.After(byType[1].Timestamp) {
		t.Fatalf("expected newest-first ordering by type")
	}
}

func TestCountAndCountByActor(t *testing.T) {
	s, store := newTestSpine(t)
	defer store.Close()
	ctx := context.Background()

	for _, actor := range []string{"alice", "alice", "bob"} {
		e := &Event{Actor: actor, Type: "noop", Timestamp: time.Now().UTC()}
		if _, err := Write(ctx, store.DB, e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	total, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 total events, got %d", total)
	}

	aliceCount, err := s.CountByActor(ctx, "alice")
	if err != nil {
		t.Fatalf("count by actor: %v", err)
	}
	if aliceCount != 2 {
		t.Fatalf("expected 2 events for alice, got %d", aliceCount)
	}
}
