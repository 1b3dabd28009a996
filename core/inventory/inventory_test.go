package inventory

import (
	"context"
	"testing"
	"time"

	"sovereignchain/storage/sqlstore"
)

func newTestManager(t *testing.T) (*Manager, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(store.DB), store
}

func TestReserveIsIdempotentByPaymentIntent(t *testing.T) {
	m, store := newTestManager(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.RegisterTier(ctx, "gold", 1); err != nil {
		t.Fatalf("register tier: %v", err)
	}

	first, err := m.Reserve(ctx, "pi_1", "gold", "", "res_1", now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := m.Reserve(ctx, "pi_1", "gold", "", "res_2", now)
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the second reservation call for the same intent to return the original reservation, got %+v", second)
	}
}

func TestReserveFailsWhenTierExhausted(t *testing.T) {
	m, store := newTestManager(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.RegisterTier(ctx, "gold", 1); err != nil {
		t.Fatalf("register tier: %v", err)
	}
	if _, err := m.Reserve(ctx, "pi_1", "gold", "", "res_1", now); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := m.Reserve(ctx, "pi_2", "gold", "", "res_2", now); err == nil {
		t.Fatalf("expected exhaustion error once the tier cap is reached")
	}
}

func TestReserveRespectsPartnerAllocationIndependentlyOfTierCap(t *testing.T) {
	m, store := newTestManager(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.RegisterTier(ctx, "gold", 100); err != nil {
		t.Fatalf("register tier: %v", err)
	}
	if err := m.RegisterPartnerAllocation(ctx, "gold", "acme", 1); err != nil {
		t.Fatalf("register partner: %v", err)
	}

	if _, err := m.Reserve(ctx, "pi_1", "gold", "acme", "res_1", now); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := m.Reserve(ctx, "pi_2", "gold", "acme", "res_2", now); err == nil {
		t.Fatalf("expected partner allocation exhaustion even though the tier has capacity left")
	}
	// A reservation with no partner is unaffected by acme's exhaustion.
	if _, err := m.Reserve(ctx, "pi_3", "gold", "", "res_3", now); err != nil {
		t.Fatalf("expected unconstrained reservation to succeed: %v", err)
	}
}

func TestReleaseIsIdempotentAndRestoresCapacity(t *testing.T) {
	m, store := newTestManager(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.RegisterTier(ctx, "gold", 1); err != nil {
		t.Fatalf("register tier: %v", err)
	}
	if _, err := m.Reserve(ctx, "pi_1", "gold", "", "res_1", now); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Release(ctx, "res_1", now); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, "res_1", now); err != nil {
		t.Fatalf("expected a second release to be a no-op, got error: %v", err)
	}

	if _, err := m.Reserve(ctx, "pi_2", "gold", "", "res_2", now); err != nil {
		t.Fatalf("expected capacity to be restored after release: %v", err)
	}
}

func TestFulfillRejectsNonReservedReservation(t *testing.T) {
	m, store := newTestManager(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.RegisterTier(ctx, "gold", 1); err != nil {
		t.Fatalf("register tier: %v", err)
	}
	if _, err := m.Reserve(ctx, "pi_1", "gold", "", "res_1", now); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Fulfill(ctx, "res_1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := m.Fulfill(ctx, "res_1"); err == nil {
		t.Fatalf("expected fulfilling an already-fulfilled reservation to fail")
	}
}

func TestFreezeAllIsIdempotent(t *testing.T) {
	m, store := newTestManager(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.RegisterTier(ctx, "gold", 10); err != nil {
		t.Fatalf("register tier: %v", err)
	}
	frozen, err := m.FreezeAll(ctx, now)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if len(frozen) != 1 || frozen[0] != "gold" {
		t.Fatalf("expected gold to be frozen, got %v", frozen)
	}

	frozenAgain, err := m.FreezeAll(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("freeze again: %v", err)
	}
	if len(frozenAgain) != 0 {
		t.Fatalf("expected no tiers to be reported as newly frozen, got %v", frozenAgain)
	}

	tiers, err := m.AllTiers(ctx)
	if err != nil {
		t.Fatalf("all tiers: %v", err)
	}
	if len(tiers) != 1 || tiers[0].FrozenAt == nil {
		t.Fatalf("expected gold's frozen_at to be set, got %+v", tiers)
	}
}
