package issuance

import (
	"bytes"
	"context"
	"testing"
	"time"

	"sovereignchain/core/inventory"
	"sovereignchain/core/ledger"
	"sovereignchain/core/spine"
	"sovereignchain/externalsvc"
	"sovereignchain/storage/sqlstore"
)

const testPolicyHash = "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb2"

type alwaysFinalized struct{}

func (alwaysFinalized) IsFinalized(context.Context) (bool, error) { return true, nil }

type neverFinalized struct{}

func (neverFinalized) IsFinalized(context.Context) (bool, error) { return false, nil }

func newTestMachine(t *testing.T) (*Machine, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	build := func(_ context.Context, namespace string, intent PaymentIntent) ([]byte, error) {
		return []byte("certificate:" + namespace + ":" + intent.ID), nil
	}
	m := New(store.DB, inventory.New(store.DB), alwaysFinalized{}, externalsvc.NewMemoryContentStore(), build)
	return m, store
}

func succeededEvent(externalEventID, paymentIntentID string) *externalsvc.WebhookEvent {
	ev := &externalsvc.WebhookEvent{ID: externalEventID, Type: externalsvc.EventPaymentSucceeded}
	ev.Data.Object.PaymentIntent = paymentIntentID
	return ev
}

func TestHappyPathIssuesExactlyOnce(t *testing.T) {
	m, store := newTestMachine(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	intent, err := m.CreatePaymentIntent(ctx, "ext_1", 5000, "USD", "payer_1", "gold", now)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	ev := succeededEvent("evt_A", intent.ExternalID)
	if err := m.HandleWebhook(ctx, ev, now); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	iss, err := m.getIssuanceByIntent(ctx, store.DB, intent.ID)
	if err != nil {
		t.Fatalf("get issuance: %v", err)
	}
	if iss == nil || iss.State != StateIssued {
		t.Fatalf("expected issued state, got %+v", iss)
	}
	if iss.IPFSCID == "" || iss.ContentHash == "" || iss.DownloadToken == "" {
		t.Fatalf("expected populated certificate fields, got %+v", iss)
	}

	// replaying the same external event must be a no-op: still exactly one
	// issued issuance, no second write.
	if err := m.HandleWebhook(ctx, ev, now.Add(time.Second)); err != nil {
		t.Fatalf("replay webhook: %v", err)
	}
	again, err := m.getIssuanceByIntent(ctx, store.DB, intent.ID)
	if err != nil {
		t.Fatalf("get issuance again: %v", err)
	}
	if again.DownloadToken != iss.DownloadToken {
		t.Fatalf("expected idempotent replay, download tokens differ: %q vs %q", again.DownloadToken, iss.DownloadToken)
	}
}

func TestIssuanceBlockedBeforeGenesis(t *testing.T) {
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	build := func(context.Context, string, PaymentIntent) ([]byte, error) { return []byte("cert"), nil }
	m := New(store.DB, inventory.New(store.DB), neverFinalized{}, externalsvc.NewMemoryContentStore(), build)

	ctx := context.Background()
	now := time.Now().UTC()
	intent, err := m.CreatePaymentIntent(ctx, "ext_2", 1000, "USD", "payer_2", "silver", now)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	err = m.HandleWebhook(ctx, succeededEvent("evt_B", intent.ExternalID), now)
	if err == nil {
		t.Fatalf("expected genesis-not-finalized error")
	}
}

func TestRetryToDeadLetter(t *testing.T) {
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	failingBuild := func(context.Context, string, PaymentIntent) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}
	m := New(store.DB, inventory.New(store.DB), alwaysFinalized{}, externalsvc.NewMemoryContentStore(), failingBuild)

	ctx := context.Background()
	base := time.Now().UTC()
	intent, err := m.CreatePaymentIntent(ctx, "ext_3", 2500, "USD", "payer_3", "bronze", base)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := m.HandleWebhook(ctx, succeededEvent("evt_C", intent.ExternalID), base); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	now := base
	for i := 1; i <= MaxRetries; i++ {
		now = now.Add(time.Duration(i) * RetryBackoff).Add(time.Minute)
		if _, err := m.RunRetryWorker(ctx, now); err != nil {
			t.Fatalf("retry worker iteration %d: %v", i, err)
		}
	}

	iss, err := m.getIssuanceByIntent(ctx, store.DB, intent.ID)
	if err != nil {
		t.Fatalf("get issuance: %v", err)
	}
	if iss.State != StateFailed {
		t.Fatalf("expected failed state at dead-letter, got %s", iss.State)
	}
	if iss.RetryCount < MaxRetries {
		t.Fatalf("expected retry_count >= %d, got %d", MaxRetries, iss.RetryCount)
	}
}

func TestRefundWithinWindowVoids(t *testing.T) {
	m, store := newTestMachine(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	intent, err := m.CreatePaymentIntent(ctx, "ext_4", 3000, "USD", "payer_4", "gold", now)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := m.HandleWebhook(ctx, succeededEvent("evt_D", intent.ExternalID), now); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	refund := &externalsvc.WebhookEvent{ID: "evt_refund_1", Type: externalsvc.EventChargeRefunded}
	refund.Data.Object.PaymentIntent = intent.ExternalID
	refund.Data.Object.ID = "ch_1"
	if err := m.HandleWebhook(ctx, refund, now.Add(23*time.Hour+59*time.Minute)); err != nil {
		t.Fatalf("handle refund: %v", err)
	}

	iss, err := m.getIssuanceByIntent(ctx, store.DB, intent.ID)
	if err != nil {
		t.Fatalf("get issuance: %v", err)
	}
	if iss.State != StateVoided {
		t.Fatalf("expected voided state, got %s", iss.State)
	}
}

func TestRefundAfterWindowFlagsDispute(t *testing.T) {
	m, store := newTestMachine(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	intent, err := m.CreatePaymentIntent(ctx, "ext_5", 3000, "USD", "payer_5", "gold", now)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := m.HandleWebhook(ctx, succeededEvent("evt_E", intent.ExternalID), now); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	refund := &externalsvc.WebhookEvent{ID: "evt_refund_2", Type: externalsvc.EventChargeRefunded}
	refund.Data.Object.PaymentIntent = intent.ExternalID
	refund.Data.Object.ID = "ch_2"
	if err := m.HandleWebhook(ctx, refund, now.Add(24*time.Hour+1*time.Minute)); err != nil {
		t.Fatalf("handle late refund: %v", err)
	}

	iss, err := m.getIssuanceByIntent(ctx, store.DB, intent.ID)
	if err != nil {
		t.Fatalf("get issuance: %v", err)
	}
	if iss.State != StateIssued {
		t.Fatalf("expected state to remain issued, got %s", iss.State)
	}
	if !iss.Disputed {
		t.Fatalf("expected disputed=true")
	}
}

// TestRedeliveryReentersPipelineAfterPreIssuanceFailure covers a provider
// redelivering the same event id after the first delivery failed before any
// issuance row existed: genesis not yet finalized. The event must not be
// treated as an already-handled duplicate once genesis clears.
func TestRedeliveryReentersPipelineAfterPreIssuanceFailure(t *testing.T) {
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	build := func(context.Context, string, PaymentIntent) ([]byte, error) { return []byte("cert"), nil }
	genesis := &toggleFinalized{}
	m := New(store.DB, inventory.New(store.DB), genesis, externalsvc.NewMemoryContentStore(), build)

	ctx := context.Background()
	now := time.Now().UTC()
	intent, err := m.CreatePaymentIntent(ctx, "ext_redeliver", 1500, "USD", "payer_redeliver", "silver", now)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	ev := succeededEvent("evt_redeliver", intent.ExternalID)
	if err := m.HandleWebhook(ctx, ev, now); err == nil {
		t.Fatalf("expected the first delivery to fail while genesis is not finalized")
	}
	if _, err := m.getIssuanceByIntent(ctx, store.DB, intent.ID); err != nil {
		t.Fatalf("get issuance after failed delivery: %v", err)
	}

	genesis.finalized = true
	if err := m.HandleWebhook(ctx, ev, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected redelivery to re-enter the pipeline and succeed, got: %v", err)
	}

	iss, err := m.getIssuanceByIntent(ctx, store.DB, intent.ID)
	if err != nil {
		t.Fatalf("get issuance after redelivery: %v", err)
	}
	if iss == nil || iss.State != StateIssued {
		t.Fatalf("expected the redelivered event to issue the certificate, got %+v", iss)
	}
}

type toggleFinalized struct {
	finalized bool
}

func (t *toggleFinalized) IsFinalized(context.Context) (bool, error) { return t.finalized, nil }

func TestPostRevenueCreditsTreasuryOnSuccessfulIssuance(t *testing.T) {
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	build := func(_ context.Context, namespace string, intent PaymentIntent) ([]byte, error) {
		return []byte("certificate:" + namespace + ":" + intent.ID), nil
	}

	l := ledger.New(store.DB, testPolicyHash)
	ctx := context.Background()
	if _, err := l.RegisterAsset(ctx, "USD", 2, ""); err != nil {
		t.Fatalf("register asset: %v", err)
	}

	m := New(store.DB, inventory.New(store.DB), alwaysFinalized{}, externalsvc.NewMemoryContentStore(), build,
		WithLedger(l, testPolicyHash))

	now := time.Now().UTC()
	intent, err := m.CreatePaymentIntent(ctx, "ext_revenue", 4200, "USD", "payer_revenue", "gold", now)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := m.HandleWebhook(ctx, succeededEvent("evt_revenue", intent.ExternalID), now); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	balance, err := l.BalanceOf(ctx, "USD", "treasury:revenue")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 4200 {
		t.Fatalf("expected treasury:revenue balance 4200, got %d", balance)
	}
}

func TestFollowUpFailureIsRecordedAsSpineEvent(t *testing.T) {
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	build := func(_ context.Context, namespace string, intent PaymentIntent) ([]byte, error) {
		return []byte("certificate:" + namespace + ":" + intent.ID), nil
	}

	// A ledger bound with a policy hash the issuance machine doesn't share
	// makes every WithTev call fail closed, forcing postRevenue's failure
	// path without needing to break the reservation-fulfillment step too.
	l := ledger.New(store.DB, testPolicyHash)
	ctx := context.Background()
	if _, err := l.RegisterAsset(ctx, "USD", 2, ""); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	m := New(store.DB, inventory.New(store.DB), alwaysFinalized{}, externalsvc.NewMemoryContentStore(), build,
		WithLedger(l, "mismatched-policy-hash"))

	now := time.Now().UTC()
	intent, err := m.CreatePaymentIntent(ctx, "ext_followup", 900, "USD", "payer_followup", "silver", now)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := m.HandleWebhook(ctx, succeededEvent("evt_followup", intent.ExternalID), now); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	events, err := spine.New(store.DB).FindByType(ctx, "issuance.followup_failed", 10)
	if err != nil {
		t.Fatalf("find spine events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one follow-up failure event, got %d", len(events))
	}
	if !bytes.Contains(events[0].Payload, []byte("ledger_posting")) {
		t.Fatalf("expected follow-up event to name the ledger_posting step, got %s", events[0].Payload)
	}
}
