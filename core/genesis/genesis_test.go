package genesis

import (
	"context"
	"testing"
	"time"

	"sovereignchain/core/inventory"
	"sovereignchain/externalsvc"
	"sovereignchain/storage/sqlstore"
)

func newTestManager(t *testing.T, ceremony time.Time) (*Manager, *inventory.Manager, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	inv := inventory.New(store.DB)
	mgr := New(store.DB, inv, externalsvc.NewMemoryContentStore(), ceremony)
	return mgr, inv, store
}

func TestFinalizeRefusesBeforeCeremonyTimestamp(t *testing.T) {
	ceremony := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	mgr, _, store := newTestManager(t, ceremony)
	defer store.Close()
	ctx := context.Background()

	_, _, _, err := mgr.Finalize(ctx, ceremony.Add(-time.Hour))
	if err == nil {
		t.Fatalf("expected GenesisNotReady before ceremony timestamp")
	}
}

func TestFinalizeFreezesTiersAndPublishesSnapshot(t *testing.T) {
	ceremony := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	mgr, inv, store := newTestManager(t, ceremony)
	defer store.Close()
	ctx := context.Background()

	if err := inv.RegisterTier(ctx, "gold", 10); err != nil {
		t.Fatalf("register tier: %v", err)
	}
	if _, err := inv.Reserve(ctx, "pi_1", "gold", "", "res_1", ceremony.Add(-time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	now := ceremony.Add(time.Minute)
	snapshot, cid, hash, err := mgr.Finalize(ctx, now)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if cid == "" || hash == "" {
		t.Fatalf("expected non-empty cid and hash")
	}
	if len(snapshot.TierSummary) != 1 || snapshot.TierSummary[0].Tier != "gold" {
		t.Fatalf("expected gold tier summary, got %+v", snapshot.TierSummary)
	}
	if snapshot.TierSummary[0].PresoldCount != 1 {
		t.Fatalf("expected presold count 1, got %d", snapshot.TierSummary[0].PresoldCount)
	}

	finalized, err := mgr.IsFinalized(ctx)
	if err != nil {
		t.Fatalf("is finalized: %v", err)
	}
	if !finalized {
		t.Fatalf("expected genesis to report finalized")
	}

	tiers, err := inv.AllTiers(ctx)
	if err != nil {
		t.Fatalf("all tiers: %v", err)
	}
	if tiers[0].FrozenAt == nil {
		t.Fatalf("expected tier to be frozen")
	}
}

func TestFinalizeTwiceIsRefused(t *testing.T) {
	ceremony := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	mgr, _, store := newTestManager(t, ceremony)
	defer store.Close()
	ctx := context.Background()
	now := ceremony.Add(time.Minute)

	if _, _, _, err := mgr.Finalize(ctx, now); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if _, _, _, err := mgr.Finalize(ctx, now); err == nil {
		t.Fatalf("expected GenesisAlreadyFinalized on second finalize")
	}
}
