// Package inventory implements atomic, tier-bounded reservation of a
// namespace slot for a payment intent: reserve, release, and fulfill,
// each a single conditional transaction against the shared store.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sovereignchain/observability/metrics"
	"sovereignchain/pkg/sverrors"
)

// Status is the lifecycle state of a Reservation.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusReleased  Status = "released"
	StatusFulfilled Status = "fulfilled"
)

// Reservation is a slot held against a tier (and optionally a partner
// allocation) for exactly one payment intent.
type Reservation struct {
	ID               string
	PaymentIntentID  string
	Tier             string
	Partner          string
	Status           Status
	ReservedAt       time.Time
	ReleasedAt       *time.Time
}

// TierStatus summarizes one tier's cap accounting, for the Genesis snapshot.
type TierStatus struct {
	Tier         string
	PresellCap   int64
	PresoldCount int64
	FrozenAt     *time.Time
}

// Manager owns inventory_tiers, inventory_partners, and inventory_reservations.
type Manager struct {
	db *sql.DB
}

// New constructs an inventory Manager bound to the shared store.
func New(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// RegisterTier creates or updates a tier's presell cap. Idempotent; calling
// it again replaces presell_cap with the given value (higher or lower) and
// never resets presold_count.
func (m *Manager) RegisterTier(ctx context.Context, tier string, presellCap int64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO inventory_tiers (tier, presell_cap, presold_count) VALUES (?, ?, 0)
		 ON CONFLICT(tier) DO UPDATE SET presell_cap = excluded.presell_cap`,
		tier, presellCap)
	if err != nil {
		return sverrors.StorageError("inventory_register_tier_failed", "failed to register tier", err)
	}
	return nil
}

// RegisterPartnerAllocation sets (or updates) a per-partner cap within a tier.
func (m *Manager) RegisterPartnerAllocation(ctx context.Context, tier, partner string, allocation int64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO inventory_partners (tier, partner, allocation, sold) VALUES (?, ?, ?, 0)
		 ON CONFLICT(tier, partner) DO UPDATE SET allocation = excluded.allocation`,
		tier, partner, allocation)
	if err != nil {
		return sverrors.StorageError("inventory_register_partner_failed", "failed to register partner allocation", err)
	}
	return nil
}

// Reserve atomically reserves one slot in tier (and, if partner is
// non-empty, one slot in that partner's allocation) for paymentIntentID.
// Reservation is idempotent by payment_intent_id: a second call for the
// same intent returns the existing reservation rather than double-reserving.
func (m *Manager) Reserve(ctx context.Context, paymentIntentID, tier, partner, reservationID string, now time.Time) (*Reservation, error) {
	if existing, err := m.getByIntent(ctx, m.db, paymentIntentID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sverrors.StorageError("inventory_reserve_failed", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cap_, presold int64
	if err := tx.QueryRowContext(ctx, `SELECT presell_cap, presold_count FROM inventory_tiers WHERE tier = ?`, tier).Scan(&cap_, &presold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sverrors.NotFound("unknown_tier", fmt.Sprintf("tier %q is not registered", tier), nil)
		}
		return nil, sverrors.StorageError("inventory_reserve_failed", "failed to read tier", err)
	}
	if presold >= cap_ {
		metrics.Registry().IncInventoryExhausted(tier)
		return nil, sverrors.InventoryExhausted("inventory_exhausted", fmt.Sprintf("tier %q is sold out", tier), nil)
	}

	if partner != "" {
		var alloc, sold int64
		err := tx.QueryRowContext(ctx, `SELECT allocation, sold FROM inventory_partners WHERE tier = ? AND partner = ?`, tier, partner).Scan(&alloc, &sold)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// no partner cap configured; unconstrained for this partner.
		case err != nil:
			return nil, sverrors.StorageError("inventory_reserve_failed", "failed to read partner allocation", err)
		case sold >= alloc:
			return nil, sverrors.InventoryExhausted("inventory_exhausted", fmt.Sprintf("partner %q allocation exhausted for tier %q", partner, tier), nil)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inventory_reservations (id, payment_intent_id, tier, partner, status, reserved_at) VALUES (?, ?, ?, ?, ?, ?)`,
		reservationID, paymentIntentID, tier, nullableString(partner), string(StatusReserved), now.UTC().Unix()); err != nil {
		if isUniqueConflict(err) {
			existing, getErr := m.getByIntent(ctx, tx, paymentIntentID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, nil
		}
		return nil, sverrors.StorageError("inventory_reserve_failed", "failed to insert reservation", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inventory_tiers SET presold_count = presold_count + 1 WHERE tier = ?`, tier); err != nil {
		return nil, sverrors.StorageError("inventory_reserve_failed", "failed to increment tier counter", err)
	}
	if partner != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE inventory_partners SET sold = sold + 1 WHERE tier = ? AND partner = ?`, tier, partner); err != nil {
			return nil, sverrors.StorageError("inventory_reserve_failed", "failed to increment partner counter", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, sverrors.StorageError("inventory_reserve_failed", "failed to commit reservation", err)
	}
	metrics.Registry().IncReservationMade(tier)
	return &Reservation{ID: reservationID, PaymentIntentID: paymentIntentID, Tier: tier, Partner: partner, Status: StatusReserved, ReservedAt: now.UTC()}, nil
}

// Release conditionally transitions a reservation from reserved to
// released and decrements the tier (and partner, if set) counters. A
// reservation that is not currently reserved is left untouched — release
// never double-decrements.
func (m *Manager) Release(ctx context.Context, reservationID string, now time.Time) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return sverrors.StorageError("inventory_release_failed", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tier, partner sql.NullString
	var status string
	err = tx.QueryRowContext(ctx, `SELECT tier, partner, status FROM inventory_reservations WHERE id = ?`, reservationID).Scan(&tier, &partner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return sverrors.NotFound("reservation_not_found", "reservation does not exist", nil)
	}
	if err != nil {
		return sverrors.StorageError("inventory_release_failed", "failed to read reservation", err)
	}
	if status != string(StatusReserved) {
		return nil // idempotent no-op: already released or fulfilled.
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE inventory_reservations SET status = ?, released_at = ? WHERE id = ? AND status = ?`,
		string(StatusReleased), now.UTC().Unix(), reservationID, string(StatusReserved))
	if err != nil {
		return sverrors.StorageError("inventory_release_failed", "failed to update reservation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sverrors.Conflict("reservation_conflict", "reservation was modified concurrently", nil)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inventory_tiers SET presold_count = presold_count - 1 WHERE tier = ?`, tier.String); err != nil {
		return sverrors.StorageError("inventory_release_failed", "failed to decrement tier counter", err)
	}
	if partner.Valid && partner.String != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE inventory_partners SET sold = sold - 1 WHERE tier = ? AND partner = ?`, tier.String, partner.String); err != nil {
			return sverrors.StorageError("inventory_release_failed", "failed to decrement partner counter", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sverrors.StorageError("inventory_release_failed", "failed to commit release", err)
	}
	metrics.Registry().IncReservationReleased(tier.String, "released")
	return nil
}

// FreezeAll sets frozen_at on every tier that isn't already frozen, the
// Genesis ceremony's first step. It is idempotent: tiers frozen by an
// earlier call keep their original frozen_at.
func (m *Manager) FreezeAll(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT tier FROM inventory_tiers WHERE frozen_at IS NULL ORDER BY tier ASC`)
	if err != nil {
		return nil, sverrors.StorageError("inventory_freeze_query_failed", "failed to list unfrozen tiers", err)
	}
	var tiers []string
	for rows.Next() {
		var tier string
		if err := rows.Scan(&tier); err != nil {
			rows.Close()
			return nil, sverrors.StorageError("inventory_freeze_scan_failed", "failed to scan tier", err)
		}
		tiers = append(tiers, tier)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sverrors.StorageError("inventory_freeze_scan_failed", "failed iterating tiers", err)
	}
	for _, tier := range tiers {
		if _, err := m.db.ExecContext(ctx, `UPDATE inventory_tiers SET frozen_at = ? WHERE tier = ? AND frozen_at IS NULL`, now.UTC().Unix(), tier); err != nil {
			return nil, sverrors.StorageError("inventory_freeze_failed", fmt.Sprintf("failed to freeze tier %q", tier), err)
		}
	}
	return tiers, nil
}

// AllTiers returns every registered tier's cap accounting, sorted by name,
// for the Genesis snapshot.
func (m *Manager) AllTiers(ctx context.Context) ([]TierStatus, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT tier, presell_cap, presold_count, frozen_at FROM inventory_tiers ORDER BY tier ASC`)
	if err != nil {
		return nil, sverrors.StorageError("inventory_query_failed", "failed to list tiers", err)
	}
	defer rows.Close()
	var out []TierStatus
	for rows.Next() {
		var t TierStatus
		var frozenAt sql.NullInt64
		if err := rows.Scan(&t.Tier, &t.PresellCap, &t.PresoldCount, &frozenAt); err != nil {
			return nil, sverrors.StorageError("inventory_scan_failed", "failed to scan tier", err)
		}
		if frozenAt.Valid {
			ts := time.Unix(frozenAt.Int64, 0).UTC()
			t.FrozenAt = &ts
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, sverrors.StorageError("inventory_scan_failed", "failed iterating tiers", err)
	}
	return out, nil
}

// Fulfill conditionally transitions a reservation from reserved to
// fulfilled. Counters are left untouched: fulfilled slots remain consumed.
func (m *Manager) Fulfill(ctx context.Context, reservationID string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE inventory_reservations SET status = ? WHERE id = ? AND status = ?`,
		string(StatusFulfilled), reservationID, string(StatusReserved))
	if err != nil {
		return sverrors.StorageError("inventory_fulfill_failed", "failed to update reservation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sverrors.Conflict("reservation_conflict", "reservation is not in reserved state", nil)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (m *Manager) getByIntent(ctx context.Context, q rowQuerier, paymentIntentID string) (*Reservation, error) {
	var r Reservation
	var partner sql.NullString
	var releasedAt sql.NullInt64
	var reservedAt int64
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT id, payment_intent_id, tier, partner, status, reserved_at, released_at FROM inventory_reservations WHERE payment_intent_id = ?`,
		paymentIntentID).Scan(&r.ID, &r.PaymentIntentID, &r.Tier, &partner, &status, &reservedAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sverrors.StorageError("inventory_query_failed", "failed to read reservation", err)
	}
	r.Status = Status(status)
	r.ReservedAt = time.Unix(reservedAt, 0).UTC()
	if partner.Valid {
		r.Partner = partner.String
	}
	if releasedAt.Valid {
		t := time.Unix(releasedAt.Int64, 0).UTC()
		r.ReleasedAt = &t
	}
	return &r, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
