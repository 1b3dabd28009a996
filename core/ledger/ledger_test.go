package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"sovereignchain/core/auditchain"
	"sovereignchain/crypto"
	"sovereignchain/storage/sqlstore"
)

const testPolicyHash = "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1"

func testController(b byte) string {
	return crypto.MustNewAddress(crypto.SovereignPrefix, bytes.Repeat([]byte{b}, 20)).String()
}

func newTestLedger(t *testing.T) (*Ledger, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(store.DB, testPolicyHash), store
}

func TestAssetRegistrationIsIdempotentByUpperCasedSymbol(t *testing.T) {
	l, store := newTestLedger(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := l.RegisterAsset(ctx, "gld", 2, "ipfs://policy"); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	if _, err := l.RegisterAsset(ctx, "GLD", 2, "ipfs://policy"); err == nil {
		t.Fatalf("expected AssetExists for re-registration under different case")
	}
	asset, err := l.GetAsset(ctx, "gld")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if asset == nil || asset.Symbol != "GLD" {
		t.Fatalf("expected canonicalized symbol GLD, got %+v", asset)
	}
}

func TestTransferIsAtomicAndRejectsNegativeBalance(t *testing.T) {
	l, store := newTestLedger(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := Post(ctx, tx, "gld", "treasury", Credit, "1000", "genesis mint", now); err != nil {
		t.Fatalf("seed treasury: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	tx2, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx2: %v", err)
	}
	if err := Transfer(ctx, tx2, "gld", "treasury", "alice", "400", "payout", now); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit transfer: %v", err)
	}

	treasuryBal, err := l.BalanceOf(ctx, "gld", "treasury")
	if err != nil {
		t.Fatalf("balance treasury: %v", err)
	}
	aliceBal, err := l.BalanceOf(ctx, "gld", "alice")
	if err != nil {
		t.Fatalf("balance alice: %v", err)
	}
	if treasuryBal != 600 || aliceBal != 400 {
		t.Fatalf("expected treasury=600 alice=400, got treasury=%d alice=%d", treasuryBal, aliceBal)
	}

	tx3, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx3: %v", err)
	}
	defer tx3.Rollback()
	if err := Transfer(ctx, tx3, "gld", "alice", "bob", "100000", "overdraw", now); err == nil {
		t.Fatalf("expected insufficient balance error")
	}
}

func TestRegisterNamespaceRejectsNonAddressController(t *testing.T) {
	l, store := newTestLedger(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := l.RegisterNamespace(ctx, "alpha", "not-a-bech32-address", "", time.Now().UTC()); err == nil {
		t.Fatalf("expected an invalid controller string to be rejected")
	}
}

func TestRegisterNamespaceNormalizesControllerEncoding(t *testing.T) {
	l, store := newTestLedger(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	controller := testController(0x09)
	ns, err := l.RegisterNamespace(ctx, "Alpha", controller, "", now)
	if err != nil {
		t.Fatalf("register namespace: %v", err)
	}
	if ns.Controller != controller {
		t.Fatalf("expected stored controller %q to match the canonical bech32 form %q", ns.Controller, controller)
	}

	got, err := l.GetNamespace(ctx, "alpha")
	if err != nil {
		t.Fatalf("get namespace: %v", err)
	}
	if got == nil || got.Controller != controller {
		t.Fatalf("expected persisted controller %q, got %+v", controller, got)
	}
}

func TestStateRootIsOrderIndependent(t *testing.T) {
	l1, store1 := newTestLedger(t)
	defer store1.Close()
	l2, store2 := newTestLedger(t)
	defer store2.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := l1.RegisterAsset(ctx, "gld", 2, ""); err != nil {
		t.Fatalf("register asset l1: %v", err)
	}
	if _, err := l1.RegisterNamespace(ctx, "alpha", testController(0x01), "", now); err != nil {
		t.Fatalf("register namespace alpha l1: %v", err)
	}
	if _, err := l1.RegisterNamespace(ctx, "beta", testController(0x02), "", now); err != nil {
		t.Fatalf("register namespace beta l1: %v", err)
	}
	mustPost(t, ctx, store1, "gld", "treasury", Credit, "500", now)
	mustPost(t, ctx, store1, "gld", "alice", Credit, "300", now)

	// same facts, opposite registration/posting order.
	if _, err := l2.RegisterNamespace(ctx, "beta", testController(0x02), "", now); err != nil {
		t.Fatalf("register namespace beta l2: %v", err)
	}
	if _, err := l2.RegisterNamespace(ctx, "alpha", testController(0x01), "", now); err != nil {
		t.Fatalf("register namespace alpha l2: %v", err)
	}
	if _, err := l2.RegisterAsset(ctx, "gld", 2, ""); err != nil {
		t.Fatalf("register asset l2: %v", err)
	}
	mustPost(t, ctx, store2, "gld", "alice", Credit, "300", now)
	mustPost(t, ctx, store2, "gld", "treasury", Credit, "500", now)

	root1, err := l1.StateRoot(ctx)
	if err != nil {
		t.Fatalf("state root 1: %v", err)
	}
	root2, err := l2.StateRoot(ctx)
	if err != nil {
		t.Fatalf("state root 2: %v", err)
	}
	if root1 != root2 {
		t.Fatalf("expected identical state roots regardless of write order, got %s vs %s", root1, root2)
	}
}

func mustPost(t *testing.T, ctx context.Context, store *sqlstore.Store, asset, account string, side Side, amount string, now time.Time) {
	t.Helper()
	tx, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := Post(ctx, tx, asset, account, side, amount, "", now); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestTevGateDeniesWithoutMatchingPolicyHash(t *testing.T) {
	l, store := newTestLedger(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	called := false
	err := l.WithTev(ctx, TevDecision{Allowed: true, PolicyHash: "wrong-hash"}, auditchain.Meta{Height: 1, Slot: 1}, "mint", func(tx *sql.Tx) error {
		called = true
		return nil
	})
	_ = now
	if err == nil {
		t.Fatalf("expected TEV denial for mismatched policy hash")
	}
	if called {
		t.Fatalf("guarded closure must not run when TEV denies")
	}
}

func TestTevGateRunsClosureAndRecordsAuditEntry(t *testing.T) {
	l, store := newTestLedger(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	ran := false
	err := l.WithTev(ctx, TevDecision{Allowed: true, PolicyHash: testPolicyHash}, auditchain.Meta{Height: 1, Slot: 1}, "mint", func(tx *sql.Tx) error {
		ran = true
		return Post(ctx, tx, "gld", "treasury", Credit, "100", "mint", now)
	})
	if err != nil {
		t.Fatalf("tev gate: %v", err)
	}
	if !ran {
		t.Fatalf("expected guarded closure to run")
	}

	chain := auditchain.New(store.DB)
	entries, err := chain.Load(ctx)
	if err != nil {
		t.Fatalf("load audit chain: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != "tev_decision" {
		t.Fatalf("expected one tev_decision audit entry, got %+v", entries)
	}
}

func TestGovernanceHaltBlocksOperationsIncludingMint(t *testing.T) {
	l, store := newTestLedger(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := l.Halt(ctx); err != nil {
		t.Fatalf("halt: %v", err)
	}
	err := l.WithTev(ctx, TevDecision{Allowed: true, PolicyHash: testPolicyHash}, auditchain.Meta{Height: 1, Slot: 1}, "mint", func(tx *sql.Tx) error {
		return Post(ctx, tx, "gld", "treasury", Credit, "1", "", now)
	})
	if err == nil {
		t.Fatalf("expected halted ledger to refuse operations")
	}
}
