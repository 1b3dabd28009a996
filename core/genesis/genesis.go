// Package genesis implements the Genesis Manager: the one-way ceremony that
// freezes every inventory tier, snapshots total issuance, publishes the
// snapshot to the content-addressed store, and unlocks certificate issuance.
// It owns only the system_state singleton row; tier freezing is delegated
// to core/inventory, which exclusively owns the inventory tables.
package genesis

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"sovereignchain/core/inventory"
	"sovereignchain/externalsvc"
	"sovereignchain/pkg/hashdomain"
	"sovereignchain/pkg/sverrors"
)

// Domain separates the snapshot hash from every other hash computed in this
// repository.
const Domain = "SOVEREIGN_GENESIS_SNAPSHOT_V1"

// SnapshotVersion is the format version stamped into every published snapshot.
const SnapshotVersion = "1.0.0"

// TierSnapshot is one tier's frozen cap accounting at ceremony time.
type TierSnapshot struct {
	Tier         string    `json:"tier"`
	PresellCap   int64     `json:"presellCap"`
	PresoldCount int64     `json:"presoldCount"`
	IssuedCount  int       `json:"issuedCount"`
	FrozenAt     time.Time `json:"frozenAt"`
}

// CertificateRecord is one issued certificate's permanent snapshot entry.
type CertificateRecord struct {
	IssuanceID      string    `json:"issuanceId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Namespace       string    `json:"namespace"`
	IPFSCID         string    `json:"ipfsCid"`
	ContentHash     string    `json:"contentHash"`
	IssuedAt        time.Time `json:"issuedAt"`
}

// Snapshot is the canonical-serialized, hashed, and published Genesis record.
type Snapshot struct {
	Version            string              `json:"version"`
	GenesisTimestamp    time.Time          `json:"genesisTimestamp"`
	CeremonyTimestamp   time.Time          `json:"ceremonyTimestamp"`
	TierSummary         []TierSnapshot     `json:"tierSummary"`
	TotalIssued         int                `json:"totalIssued"`
	TotalVoided         int                `json:"totalVoided"`
	TotalDisputed       int                `json:"totalDisputed"`
	IssuedCertificates  []CertificateRecord `json:"issuedCertificates"`
}

// Status reports the persisted system_state genesis columns.
type Status struct {
	Completed bool
	CID       string
	Hash      string
	Timestamp time.Time
}

// Manager owns the one-shot Genesis ceremony.
type Manager struct {
	db                *sql.DB
	inv               *inventory.Manager
	store             externalsvc.ContentStore
	ceremonyTimestamp time.Time
}

// New constructs a Manager. ceremonyTimestamp is the configured moment the
// ceremony may run; Finalize refuses to proceed before it.
func New(db *sql.DB, inv *inventory.Manager, store externalsvc.ContentStore, ceremonyTimestamp time.Time) *Manager {
	return &Manager{db: db, inv: inv, store: store, ceremonyTimestamp: ceremonyTimestamp}
}

// IsFinalized implements issuance.GenesisChecker: issuance is blocked until
// this reports true.
func (m *Manager) IsFinalized(ctx context.Context) (bool, error) {
	status, err := m.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	return status.Completed, nil
}

// GetStatus reads the persisted system_state genesis columns.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	var completed int
	var cid, hash sql.NullString
	var ts sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT genesis_completed, genesis_cid, genesis_hash, genesis_timestamp FROM system_state WHERE id = 1`).
		Scan(&completed, &cid, &hash, &ts)
	if err != nil {
		return Status{}, sverrors.StorageError("genesis_status_query_failed", "failed to read genesis status", err)
	}
	s := Status{Completed: completed != 0}
	if cid.Valid {
		s.CID = cid.String
	}
	if hash.Valid {
		s.Hash = hash.String
	}
	if ts.Valid {
		s.Timestamp = time.Unix(ts.Int64, 0).UTC()
	}
	return s, nil
}

// Freeze performs step 1: set frozen_at on every tier not already frozen.
// Safe to call more than once; already-frozen tiers are left untouched.
func (m *Manager) Freeze(ctx context.Context, now time.Time) ([]string, error) {
	return m.inv.FreezeAll(ctx, now)
}

// Snapshot performs steps 2: build the in-memory ceremony record without
// persisting anything. Callers that only want a preview (e.g. the CLI's
// `snapshot` sub-command) can call this independently of Finalize.
func (m *Manager) Snapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	tiers, err := m.inv.AllTiers(ctx)
	if err != nil {
		return nil, err
	}
	issued, err := m.issuedCertificates(ctx)
	if err != nil {
		return nil, err
	}
	voided, err := m.countIssuancesInState(ctx, "voided")
	if err != nil {
		return nil, err
	}
	disputed, err := m.countDisputed(ctx)
	if err != nil {
		return nil, err
	}

	// Issuances aren't tier-tagged directly; tier lives on the payment
	// intent, so the per-tier issued count needs its own join.
	issuedByTier, err := m.issuedCountsByTier(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]TierSnapshot, 0, len(tiers))
	for _, t := range tiers {
		frozenAt := now.UTC()
		if t.FrozenAt != nil {
			frozenAt = *t.FrozenAt
		}
		summaries = append(summaries, TierSnapshot{
			Tier:         t.Tier,
			PresellCap:   t.PresellCap,
			PresoldCount: t.PresoldCount,
			IssuedCount:  issuedByTier[t.Tier],
			FrozenAt:     frozenAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Tier < summaries[j].Tier })

	return &Snapshot{
		Version:            SnapshotVersion,
		GenesisTimestamp:   now.UTC(),
		CeremonyTimestamp:  m.ceremonyTimestamp.UTC(),
		TierSummary:        summaries,
		TotalIssued:        len(issued),
		TotalVoided:        voided,
		TotalDisputed:      disputed,
		IssuedCertificates: issued,
	}, nil
}

// Finalize runs the full ceremony: freeze, snapshot, publish, and commit.
// Refuses with GenesisNotReady before the configured ceremony timestamp and
// with GenesisAlreadyFinalized on a repeated attempt; the second refusal
// makes the operation safe to retry blindly.
func (m *Manager) Finalize(ctx context.Context, now time.Time) (*Snapshot, string, string, error) {
	if now.Before(m.ceremonyTimestamp) {
		return nil, "", "", sverrors.GenesisNotReady("genesis_not_ready",
			fmt.Sprintf("genesis ceremony is scheduled for %s", m.ceremonyTimestamp.UTC().Format(time.RFC3339)), nil)
	}
	status, err := m.GetStatus(ctx)
	if err != nil {
		return nil, "", "", err
	}
	if status.Completed {
		return nil, "", "", sverrors.GenesisAlreadyFinalized("genesis_already_finalized", "genesis has already been completed", nil)
	}

	if _, err := m.Freeze(ctx, now); err != nil {
		return nil, "", "", err
	}
	snapshot, err := m.Snapshot(ctx, now)
	if err != nil {
		return nil, "", "", err
	}
	canonical, err := hashdomain.Canonicalize(snapshot)
	if err != nil {
		return nil, "", "", sverrors.Fatal("genesis_canonicalize_failed", "failed to canonicalize genesis snapshot", err)
	}
	hash := hashdomain.Hex(hashdomain.Sum(Domain, canonical))
	cid, err := m.store.Publish(ctx, canonical)
	if err != nil {
		return nil, "", "", sverrors.ExternalError("genesis_publish_failed", "failed to publish genesis snapshot", err)
	}

	res, err := m.db.ExecContext(ctx,
		`UPDATE system_state SET genesis_completed = 1, genesis_cid = ?, genesis_hash = ?, genesis_timestamp = ?
		 WHERE id = 1 AND genesis_completed = 0`,
		cid, hash, now.UTC().Unix())
	if err != nil {
		return nil, "", "", sverrors.StorageError("genesis_finalize_failed", "failed to mark genesis completed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, "", "", sverrors.GenesisAlreadyFinalized("genesis_already_finalized", "genesis was finalized concurrently", nil)
	}
	return snapshot, cid, hash, nil
}

func (m *Manager) issuedCertificates(ctx context.Context) ([]CertificateRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, payment_intent_id, namespace, ipfs_cid, content_hash, issued_at FROM issuances WHERE state = 'issued' ORDER BY issued_at ASC`)
	if err != nil {
		return nil, sverrors.StorageError("genesis_query_failed", "failed to list issued certificates", err)
	}
	defer rows.Close()
	var out []CertificateRecord
	for rows.Next() {
		var r CertificateRecord
		var cid, hash sql.NullString
		var issuedAt sql.NullInt64
		if err := rows.Scan(&r.IssuanceID, &r.PaymentIntentID, &r.Namespace, &cid, &hash, &issuedAt); err != nil {
			return nil, sverrors.StorageError("genesis_scan_failed", "failed to scan issuance", err)
		}
		if cid.Valid {
			r.IPFSCID = cid.String
		}
		if hash.Valid {
			r.ContentHash = hash.String
		}
		if issuedAt.Valid {
			r.IssuedAt = time.Unix(issuedAt.Int64, 0).UTC()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sverrors.StorageError("genesis_scan_failed", "failed iterating issuances", err)
	}
	return out, nil
}

func (m *Manager) issuedCountsByTier(ctx context.Context) (map[string]int, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT p.tier, COUNT(*) FROM issuances i
		 JOIN payment_intents p ON p.id = i.payment_intent_id
		 WHERE i.state = 'issued' GROUP BY p.tier`)
	if err != nil {
		return nil, sverrors.StorageError("genesis_query_failed", "failed to count issuances by tier", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, sverrors.StorageError("genesis_scan_failed", "failed to scan tier count", err)
		}
		out[tier] = count
	}
	if err := rows.Err(); err != nil {
		return nil, sverrors.StorageError("genesis_scan_failed", "failed iterating tier counts", err)
	}
	return out, nil
}

func (m *Manager) countIssuancesInState(ctx context.Context, state string) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issuances WHERE state = ?`, state).Scan(&n); err != nil {
		return 0, sverrors.StorageError("genesis_query_failed", "failed to count issuances", err)
	}
	return n, nil
}

func (m *Manager) countDisputed(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issuances WHERE disputed = 1`).Scan(&n); err != nil {
		return 0, sverrors.StorageError("genesis_query_failed", "failed to count disputed issuances", err)
	}
	return n, nil
}
