package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sovereignchain/core/spine"
	"sovereignchain/storage/sqlstore"
)

func newTestEngine(t *testing.T) (*Engine, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(store.DB), store
}

func TestEvaluateDeniesUnregisteredAction(t *testing.T) {
	e, store := newTestEngine(t)
	defer store.Close()

	decision, err := e.Evaluate(context.Background(), Request{Actor: "alice", Action: "no.such.action"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != Denied {
		t.Fatalf("expected Denied for an unregistered action, got %v", decision.Outcome)
	}
}

func TestAmountThresholdAutoApprovesBelowAndRequiresApprovalAtOrAbove(t *testing.T) {
	e, store := newTestEngine(t)
	defer store.Close()
	e.Register("finance.send", AmountThreshold{AutoApproveBelowMinor: 10000, ApprovalTTL: time.Minute, ResourceKey: "payment_id"})
	ctx := context.Background()
	now := time.Now().UTC()

	low, err := e.Evaluate(ctx, Request{Actor: "alice", Action: "finance.send", ResourceID: "pay_1", AmountMinor: 500, Now: now})
	if err != nil {
		t.Fatalf("evaluate low: %v", err)
	}
	if low.Outcome != AutoApproved {
		t.Fatalf("expected AutoApproved below threshold, got %v", low.Outcome)
	}

	high, err := e.Evaluate(ctx, Request{Actor: "alice", Action: "finance.send", ResourceID: "pay_2", AmountMinor: 50000, Now: now})
	if err != nil {
		t.Fatalf("evaluate high: %v", err)
	}
	if high.Outcome != RequiresApproval {
		t.Fatalf("expected RequiresApproval at or above threshold without a prior approval, got %v", high.Outcome)
	}
}

func TestApproveActionMakesSubsequentEvaluationApprovedUntilTTLExpires(t *testing.T) {
	e, store := newTestEngine(t)
	defer store.Close()
	e.Register("finance.send", AmountThreshold{AutoApproveBelowMinor: 10000, ApprovalTTL: time.Minute, ResourceKey: "payment_id"})
	ctx := context.Background()
	now := time.Now().UTC()

	if err := e.ApproveAction(ctx, "alice", "finance.send", "pay_3", nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	decision, err := e.Evaluate(ctx, Request{Actor: "alice", Action: "finance.send", ResourceID: "pay_3", AmountMinor: 50000, Now: now})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != Approved {
		t.Fatalf("expected Approved immediately after approval, got %v", decision.Outcome)
	}

	stale, err := e.Evaluate(ctx, Request{Actor: "alice", Action: "finance.send", ResourceID: "pay_3", AmountMinor: 50000, Now: now.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("evaluate stale: %v", err)
	}
	if stale.Outcome != RequiresApproval {
		t.Fatalf("expected RequiresApproval once the approval ages past its TTL, got %v", stale.Outcome)
	}
}

func TestDenyActionDoesNotGrantApproval(t *testing.T) {
	e, store := newTestEngine(t)
	defer store.Close()
	e.Register("vault.delete", RequireApproval{ApprovalTTL: time.Minute, ResourceKey: "file_id"})
	ctx := context.Background()

	if err := e.DenyAction(ctx, "alice", "vault.delete", "file_9", "suspicious request"); err != nil {
		t.Fatalf("deny: %v", err)
	}

	decision, err := e.Evaluate(ctx, Request{Actor: "alice", Action: "vault.delete", ResourceID: "file_9", Now: time.Now().UTC()})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != RequiresApproval {
		t.Fatalf("expected a denial to leave the action still requiring approval, got %v", decision.Outcome)
	}
}

func TestRequireDelegationHonorsRevocation(t *testing.T) {
	e, store := newTestEngine(t)
	defer store.Close()
	e.Register("tel.forward", RequireDelegation{FromNamespaceKey: "from_namespace", DelegationTTL: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	grant, _ := json.Marshal(map[string]interface{}{"namespace": "alpha", "revoked": false})
	if _, err := spine.Write(ctx, store.DB, &spine.Event{Actor: "bob", Type: "tel.delegate", Payload: grant, Timestamp: now}); err != nil {
		t.Fatalf("write delegation: %v", err)
	}

	allowed, err := e.Evaluate(ctx, Request{Actor: "bob", Action: "tel.forward", ResourceID: "alpha", Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("evaluate allowed: %v", err)
	}
	if allowed.Outcome != Approved {
		t.Fatalf("expected Approved under an active delegation, got %v", allowed.Outcome)
	}

	revoke, _ := json.Marshal(map[string]interface{}{"namespace": "alpha", "revoked": true})
	if _, err := spine.Write(ctx, store.DB, &spine.Event{Actor: "bob", Type: "tel.delegate", Payload: revoke, Timestamp: now.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("write revocation: %v", err)
	}

	denied, err := e.Evaluate(ctx, Request{Actor: "bob", Action: "tel.forward", ResourceID: "alpha", Now: now.Add(3 * time.Minute)})
	if err != nil {
		t.Fatalf("evaluate denied: %v", err)
	}
	if denied.Outcome != Denied {
		t.Fatalf("expected Denied once the delegation is revoked, got %v", denied.Outcome)
	}
}
