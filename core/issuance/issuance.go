// Package issuance implements the Issuance State Machine: an exactly-once,
// idempotent, crash-safe pipeline turning a settled external payment into
// an issued, downloadable certificate. It exclusively owns the
// payment_intents and issuances tables.
package issuance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"sovereignchain/core/auditchain"
	"sovereignchain/core/inventory"
	"sovereignchain/core/ledger"
	"sovereignchain/core/spine"
	"sovereignchain/externalsvc"
	"sovereignchain/observability/logging"
	"sovereignchain/observability/metrics"
	"sovereignchain/pkg/hashdomain"
	"sovereignchain/pkg/sverrors"
)

// State is one of the five legal issuance states.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateIssued     State = "issued"
	StateFailed     State = "failed"
	StateVoided     State = "voided"
)

// MaxRetries bounds the retry worker; beyond this an issuance is dead-lettered.
const MaxRetries = 5

// RetryBackoff is the unit the retry worker multiplies by retry_count to
// compute next_retry_at.
const RetryBackoff = 5 * time.Minute

// DefaultVoidWindow is how long after issued_at a refund still voids the
// certificate outright rather than merely flagging a dispute.
const DefaultVoidWindow = 24 * time.Hour

// DownloadTokenTTL is the lifetime minted for a fresh download token.
const DownloadTokenTTL = 30 * 24 * time.Hour

// PaymentStatus is the lifecycle column on payment_intents.
type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentReserved  PaymentStatus = "reserved"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentDelivered PaymentStatus = "delivered"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentIntent mirrors the payment_intents row.
type PaymentIntent struct {
	ID                  string
	ExternalID          string
	AmountMinor         int64
	Currency            string
	Payer               string
	Tier                string
	NamespaceReserved   string
	Status              PaymentStatus
	CreatedAt           time.Time
	SettledAt           *time.Time
	IssuanceLockToken   string
	ProcessingStartedAt *time.Time
}

// Issuance mirrors the issuances row.
type Issuance struct {
	ID                string
	PaymentIntentID   string
	Namespace         string
	State             State
	IPFSCID           string
	ContentHash       string
	DownloadToken     string
	DownloadExpiresAt *time.Time
	RetryCount        int
	LastError         string
	NextRetryAt       *time.Time
	VoidedAt          *time.Time
	Disputed          bool
	IssuedAt          *time.Time
	CreatedAt         time.Time
}

// GenesisChecker reports whether the Genesis ceremony has completed.
// Issuance refuses to mint certificates until it has.
type GenesisChecker interface {
	IsFinalized(ctx context.Context) (bool, error)
}

// CertificateBuilder renders the certificate bytes for a namespace, the
// external collaborator step performed without holding any database lock.
type CertificateBuilder func(ctx context.Context, namespace string, intent PaymentIntent) ([]byte, error)

// Machine owns the payment_intents and issuances tables and drives the
// pipeline described above.
type Machine struct {
	db         *sql.DB
	inv        *inventory.Manager
	genesis    GenesisChecker
	store      externalsvc.ContentStore
	build      CertificateBuilder
	voidWindow time.Duration
	log        *slog.Logger
	ledger     *ledger.Ledger
	policyHash string
}

// Option configures a Machine.
type Option func(*Machine)

// WithVoidWindow overrides DefaultVoidWindow.
func WithVoidWindow(d time.Duration) Option { return func(m *Machine) { m.voidWindow = d } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.log = l } }

// WithLedger binds the Sovereign Ledger Core so a successful issuance posts
// the certificate sale as a real balance movement instead of only updating
// the payment_intents/issuances tables. policyHash is the constitutional
// hash the ledger's TEV gate expects; it must match the one the ledger
// itself was constructed with. A Machine with no ledger bound skips the
// posting step entirely (e.g. in tests that don't exercise it).
func WithLedger(l *ledger.Ledger, policyHash string) Option {
	return func(m *Machine) { m.ledger = l; m.policyHash = policyHash }
}

// New constructs a Machine. build supplies the certificate bytes generated
// at step 6 of the happy path — already signed, if signing applies — and is
// never called while holding a lock.
func New(db *sql.DB, inv *inventory.Manager, genesis GenesisChecker, store externalsvc.ContentStore, build CertificateBuilder, opts ...Option) *Machine {
	m := &Machine{
		db: db, inv: inv, genesis: genesis, store: store, build: build,
		voidWindow: DefaultVoidWindow, log: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreatePaymentIntent records a new intent in state "created". It does not
// reserve inventory; callers invoke core/inventory separately per §4.4.
func (m *Machine) CreatePaymentIntent(ctx context.Context, externalID string, amountMinor int64, currency, payer, tier string, now time.Time) (*PaymentIntent, error) {
	id := "pi_" + uuid.NewString()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO payment_intents (id, external_id, amount_minor, currency, payer, tier, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, externalID, amountMinor, currency, payer, tier, string(PaymentCreated), now.UTC().Unix())
	if err != nil {
		if isUniqueConflict(err) {
			existing, getErr := m.getIntentByExternalID(ctx, m.db, externalID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, nil
		}
		return nil, sverrors.StorageError("issuance_create_intent_failed", "failed to create payment intent", err)
	}
	return &PaymentIntent{ID: id, ExternalID: externalID, AmountMinor: amountMinor, Currency: currency, Payer: payer, Tier: tier, Status: PaymentCreated, CreatedAt: now.UTC()}, nil
}

// HandleWebhook is the single entry point for every inbound payment-provider
// event. It is idempotent at the event level (processed_external_events)
// and, for events that gate issuance, at the intent level (lock_token). An
// event's outcome is only ever "succeeded" once its handler has returned
// without error; anything short of that — a crash mid-pipeline, or a
// pre-issuance failure such as a genesis-not-ready or missing-intent error —
// leaves the event re-enterable, so a provider redelivery (or a future
// replay tool) can pick the work back up instead of having it silently
// dropped by the duplicate check.
func (m *Machine) HandleWebhook(ctx context.Context, ev *externalsvc.WebhookEvent, now time.Time) error {
	recorded, err := m.recordExternalEvent(ctx, ev, now)
	if err != nil {
		return err
	}
	if !recorded {
		m.log.InfoContext(ctx, "duplicate webhook event ignored", "external_event_id", ev.ID, "type", ev.Type)
		return nil
	}

	handleErr := m.dispatch(ctx, ev, now)

	outcome := eventOutcomeSucceeded
	if handleErr != nil {
		outcome = eventOutcomeFailed
	}
	if setErr := m.setEventOutcome(ctx, ev.ID, outcome); setErr != nil {
		m.log.ErrorContext(ctx, "failed to persist processed event outcome", "external_event_id", ev.ID, "error", setErr)
	}
	return handleErr
}

func (m *Machine) dispatch(ctx context.Context, ev *externalsvc.WebhookEvent, now time.Time) error {
	switch ev.Type {
	case externalsvc.EventPaymentSucceeded:
		return m.handlePaymentSucceeded(ctx, ev, now)
	case externalsvc.EventPaymentFailed, externalsvc.EventPaymentCanceled:
		return m.handlePaymentTerminalFailure(ctx, ev, now)
	case externalsvc.EventChargeRefunded:
		return m.handleRefund(ctx, ev, now)
	case externalsvc.EventDisputeCreated:
		return m.handleDispute(ctx, ev, now)
	default:
		m.log.InfoContext(ctx, "ignoring unrecognized webhook event type", "type", ev.Type)
		return nil
	}
}

const (
	eventOutcomeProcessing = "processing"
	eventOutcomeSucceeded  = "succeeded"
	eventOutcomeFailed     = "failed"
)

// recordExternalEvent performs step 1 of event-level idempotency. A fresh
// event is inserted as "processing". A redelivered event_id is only a true
// duplicate once its prior attempt reached "succeeded" — an event still
// stuck at "processing" (the process died before HandleWebhook finished) or
// parked at "failed" (a pre-issuance error that never reached a durable,
// retry-eligible issuances row) re-enters the pipeline instead.
func (m *Machine) recordExternalEvent(ctx context.Context, ev *externalsvc.WebhookEvent, now time.Time) (bool, error) {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO processed_external_events (external_event_id, event_type, payment_intent_id, processed_at, outcome)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, nullableString(ev.Data.Object.PaymentIntent), now.UTC().Unix(), eventOutcomeProcessing)
	if err == nil {
		return true, nil
	}
	if !isUniqueConflict(err) {
		return false, sverrors.StorageError("issuance_record_event_failed", "failed to record external event", err)
	}

	var outcome string
	if scanErr := m.db.QueryRowContext(ctx,
		`SELECT outcome FROM processed_external_events WHERE external_event_id = ?`, ev.ID).Scan(&outcome); scanErr != nil {
		return false, sverrors.StorageError("issuance_record_event_failed", "failed to read prior event outcome", scanErr)
	}
	return outcome != eventOutcomeSucceeded, nil
}

// setEventOutcome records the terminal (or still-pending) outcome of a
// processed event. Called unconditionally after dispatch, regardless of
// whether the handler succeeded, so the next redelivery always knows
// whether it needs to re-enter the pipeline.
func (m *Machine) setEventOutcome(ctx context.Context, externalEventID, outcome string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE processed_external_events SET outcome = ? WHERE external_event_id = ?`, outcome, externalEventID)
	if err != nil {
		return sverrors.StorageError("issuance_record_event_failed", "failed to update external event outcome", err)
	}
	return nil
}

func (m *Machine) handlePaymentSucceeded(ctx context.Context, ev *externalsvc.WebhookEvent, now time.Time) error {
	finalized, err := m.genesis.IsFinalized(ctx)
	if err != nil {
		return sverrors.StorageError("issuance_genesis_check_failed", "failed to check genesis status", err)
	}
	if !finalized {
		return sverrors.GenesisNotReady("genesis_not_finalized", "issuance is blocked until genesis completes", nil)
	}

	intent, err := m.getIntentByExternalID(ctx, m.db, ev.Data.Object.PaymentIntent)
	if err != nil {
		return err
	}
	if intent == nil {
		return sverrors.NotFound("payment_intent_not_found", "no payment intent for external id", nil)
	}

	acquired, err := m.acquireIntentLock(ctx, intent.ID, now)
	if err != nil {
		return err
	}
	if !acquired {
		m.log.InfoContext(ctx, "intent lock already held, skipping", "payment_intent_id", intent.ID)
		return nil
	}

	m.log.InfoContext(ctx, "starting certificate issuance", "payment_intent_id", intent.ID, logging.MaskField("payer", intent.Payer))

	if err := m.markSucceeded(ctx, intent.ID, now); err != nil {
		return err
	}

	namespace := intent.NamespaceReserved
	if namespace == "" {
		namespace = "ns_" + uuid.NewString()
	}
	iss, err := m.createPendingIssuance(ctx, intent.ID, namespace, now)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, iss.ID, StatePending, StateProcessing); err != nil {
		return err
	}

	cid, contentHash, downloadToken, expiresAt, buildErr := m.performExternalWork(ctx, namespace, *intent, now)
	if buildErr != nil {
		return m.recordFailure(ctx, iss.ID, buildErr, now)
	}

	if err := m.finalizeIssued(ctx, iss.ID, cid, contentHash, downloadToken, expiresAt, now); err != nil {
		return err
	}
	if err := m.markDelivered(ctx, intent.ID); err != nil {
		return err
	}
	if err := m.postRevenue(ctx, *intent, iss.ID, now); err != nil {
		m.recordFollowUpFailure(ctx, intent.ID, iss.ID, "ledger_posting", err, now)
	}
	if err := m.fulfillReservation(ctx, intent.ID); err != nil {
		// non-fatal per §4.3 step 8: recorded, never rolls back the issued certificate.
		m.recordFollowUpFailure(ctx, intent.ID, iss.ID, "reservation_fulfillment", err, now)
	}
	return nil
}

// postRevenue records the certificate sale as a ledger posting, gated by TEV
// like every other capital movement. The payer settled off-ledger (through
// the payment provider, before this webhook ever fired), so there is no
// on-ledger payer account to debit from — this is new money entering the
// ledger, credited straight to treasury revenue as a single-sided credit
// posting with no matching debit. A nil
// ledger (e.g. in tests that don't wire one) makes this a no-op rather than
// a hard dependency.
func (m *Machine) postRevenue(ctx context.Context, intent PaymentIntent, issuanceID string, now time.Time) error {
	if m.ledger == nil {
		return nil
	}
	decision := ledger.TevDecision{Allowed: true, PolicyHash: m.policyHash}
	meta := auditchain.Meta{Height: uint64(now.UTC().Unix())}
	memo := fmt.Sprintf("certificate sale for intent %s (issuance %s), payer %s", intent.ID, issuanceID, intent.Payer)
	return m.ledger.WithTev(ctx, decision, meta, "issuance.certificate_sale", func(tx *sql.Tx) error {
		return ledger.Post(ctx, tx, intent.Currency, "treasury:revenue", ledger.Credit,
			fmt.Sprintf("%d", intent.AmountMinor), memo, now)
	})
}

// recordFollowUpFailure durably records a step-8 non-fatal follow-up
// failure as an Event Spine entry — not merely a log line — so anything
// querying issuance outcomes (not just whoever is tailing the process logs)
// can see that a post-issuance step failed. A write failure here is itself
// only logged: the certificate has already been issued and must not be
// rolled back for a bookkeeping failure on top of a bookkeeping failure.
func (m *Machine) recordFollowUpFailure(ctx context.Context, intentID, issuanceID, step string, cause error, now time.Time) {
	payload, _ := json.Marshal(map[string]interface{}{
		"payment_intent_id": intentID,
		"issuance_id":       issuanceID,
		"step":              step,
		"error":             cause.Error(),
	})
	if _, err := spine.Write(ctx, m.db, &spine.Event{
		Actor: "issuance", Type: "issuance.followup_failed", Payload: payload, Timestamp: now.UTC(),
	}); err != nil {
		m.log.ErrorContext(ctx, "failed to record follow-up failure event", "payment_intent_id", intentID, "step", step, "error", err)
		return
	}
	m.log.WarnContext(ctx, "non-fatal follow-up failure after issuance", "payment_intent_id", intentID, "step", step, "error", cause)
}

// performExternalWork is step 6: generate, hash, publish, and mint a
// download token, entirely outside any held database lock.
func (m *Machine) performExternalWork(ctx context.Context, namespace string, intent PaymentIntent, now time.Time) (cid, contentHash, downloadToken string, expiresAt time.Time, err error) {
	cert, err := m.build(ctx, namespace, intent)
	if err != nil {
		return "", "", "", time.Time{}, fmt.Errorf("certificate build failed: %w", err)
	}
	digest := hashdomain.Sum("SOVEREIGN_CERTIFICATE_CONTENT_V1", cert)
	contentHash = hashdomain.Hex(digest)
	cid, err = m.store.Publish(ctx, cert)
	if err != nil {
		return "", "", "", time.Time{}, fmt.Errorf("content store publish failed: %w", err)
	}
	downloadToken = uuid.NewString()
	expiresAt = now.UTC().Add(DownloadTokenTTL)
	return cid, contentHash, downloadToken, expiresAt, nil
}

func (m *Machine) handlePaymentTerminalFailure(ctx context.Context, ev *externalsvc.WebhookEvent, now time.Time) error {
	intent, err := m.getIntentByExternalID(ctx, m.db, ev.Data.Object.PaymentIntent)
	if err != nil {
		return err
	}
	if intent == nil {
		return nil
	}
	status := PaymentFailed
	if ev.Type == externalsvc.EventPaymentCanceled {
		status = PaymentCanceled
	}
	_, err = m.db.ExecContext(ctx, `UPDATE payment_intents SET status = ? WHERE id = ?`, string(status), intent.ID)
	if err != nil {
		return sverrors.StorageError("issuance_mark_terminal_failed", "failed to mark payment terminal", err)
	}
	return m.releaseReservationIfAny(ctx, intent.ID, now)
}

func (m *Machine) handleRefund(ctx context.Context, ev *externalsvc.WebhookEvent, now time.Time) error {
	intent, err := m.getIntentByExternalID(ctx, m.db, ev.Data.Object.PaymentIntent)
	if err != nil {
		return err
	}
	if intent == nil {
		return nil
	}
	iss, err := m.getIssuanceByIntent(ctx, m.db, intent.ID)
	if err != nil {
		return err
	}
	if iss == nil {
		// refund with no issuance: mark refunded and release any reservation.
		// No earnings records exist in this package, so there is nothing to void.
		_, err := m.db.ExecContext(ctx, `UPDATE payment_intents SET status = ? WHERE id = ?`, string(PaymentRefunded), intent.ID)
		if err != nil {
			return sverrors.StorageError("issuance_refund_failed", "failed to mark payment refunded", err)
		}
		return m.releaseReservationIfAny(ctx, intent.ID, now)
	}
	if iss.State != StateIssued {
		return nil
	}
	withinWindow := iss.IssuedAt != nil && now.Sub(*iss.IssuedAt) <= m.windowFor()
	if withinWindow {
		res, err := m.db.ExecContext(ctx,
			`UPDATE issuances SET state = ?, voided_at = ? WHERE id = ? AND state = ?`,
			string(StateVoided), now.UTC().Unix(), iss.ID, string(StateIssued))
		if err != nil {
			return sverrors.StorageError("issuance_void_failed", "failed to void issuance", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sverrors.Conflict("issuance_conflict", "issuance was modified concurrently", nil)
		}
		_, err = m.db.ExecContext(ctx, `UPDATE payment_intents SET status = ? WHERE id = ?`, string(PaymentRefunded), intent.ID)
		if err != nil {
			return sverrors.StorageError("issuance_void_failed", "failed to mark payment refunded", err)
		}
		return m.releaseReservationIfAny(ctx, intent.ID, now)
	}
	lastError := fmt.Sprintf("charge %s refunded %d after void window", ev.Data.Object.ID, ev.Data.Object.AmountRefunded)
	_, err = m.db.ExecContext(ctx,
		`UPDATE issuances SET disputed = 1, last_error = ? WHERE id = ? AND state = ?`,
		lastError, iss.ID, string(StateIssued))
	if err != nil {
		return sverrors.StorageError("issuance_dispute_flag_failed", "failed to flag disputed issuance", err)
	}
	return nil
}

func (m *Machine) handleDispute(ctx context.Context, ev *externalsvc.WebhookEvent, now time.Time) error {
	intent, err := m.getIntentByExternalID(ctx, m.db, ev.Data.Object.PaymentIntent)
	if err != nil {
		return err
	}
	if intent == nil {
		return nil
	}
	iss, err := m.getIssuanceByIntent(ctx, m.db, intent.ID)
	if err != nil {
		return err
	}
	if iss == nil {
		return nil
	}
	disputeID := ""
	if ev.Data.Object.Dispute != nil {
		disputeID = ev.Data.Object.Dispute.ID
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE issuances SET disputed = 1, last_error = ? WHERE id = ?`,
		fmt.Sprintf("chargeback dispute %s", disputeID), iss.ID)
	if err != nil {
		return sverrors.StorageError("issuance_dispute_flag_failed", "failed to flag disputed issuance", err)
	}
	return nil
}

func (m *Machine) windowFor() time.Duration {
	if m.voidWindow > 0 {
		return m.voidWindow
	}
	return DefaultVoidWindow
}

// acquireIntentLock implements the intent-level lock: a single UPDATE
// conditioned on lock_token IS NULL. The caller wins the lock iff exactly
// one row was affected.
func (m *Machine) acquireIntentLock(ctx context.Context, intentID string, now time.Time) (bool, error) {
	token := uuid.NewString()
	res, err := m.db.ExecContext(ctx,
		`UPDATE payment_intents SET issuance_lock_token = ?, processing_started_at = ? WHERE id = ? AND issuance_lock_token IS NULL`,
		token, now.UTC().Unix(), intentID)
	if err != nil {
		return false, sverrors.StorageError("issuance_lock_failed", "failed to acquire intent lock", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// markSucceeded updates the intent and writes the policy/event trail
// required by §4.3 step 3, through the Event Spine rather than a private
// table — the Spine is the sole owner of that log.
func (m *Machine) markSucceeded(ctx context.Context, intentID string, now time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE payment_intents SET status = ?, settled_at = ? WHERE id = ?`,
		string(PaymentSucceeded), now.UTC().Unix(), intentID)
	if err != nil {
		return sverrors.StorageError("issuance_mark_succeeded_failed", "failed to mark payment succeeded", err)
	}
	payload, _ := json.Marshal(map[string]interface{}{"payment_intent_id": intentID})
	_, err = spine.Write(ctx, m.db, &spine.Event{Actor: "issuance", Type: "payment.succeeded", Payload: payload, Timestamp: now.UTC()})
	return err
}

func (m *Machine) markDelivered(ctx context.Context, intentID string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE payment_intents SET status = ? WHERE id = ?`, string(PaymentDelivered), intentID)
	if err != nil {
		return sverrors.StorageError("issuance_mark_delivered_failed", "failed to mark payment delivered", err)
	}
	return nil
}

func (m *Machine) fulfillReservation(ctx context.Context, intentID string) error {
	if m.inv == nil {
		return nil
	}
	reservationID, err := m.reservationIDForIntent(ctx, intentID)
	if err != nil || reservationID == "" {
		return err
	}
	return m.inv.Fulfill(ctx, reservationID)
}

func (m *Machine) releaseReservationIfAny(ctx context.Context, intentID string, now time.Time) error {
	if m.inv == nil {
		return nil
	}
	reservationID, err := m.reservationIDForIntent(ctx, intentID)
	if err != nil || reservationID == "" {
		return err
	}
	return m.inv.Release(ctx, reservationID, now)
}

func (m *Machine) reservationIDForIntent(ctx context.Context, intentID string) (string, error) {
	var id string
	err := m.db.QueryRowContext(ctx, `SELECT id FROM inventory_reservations WHERE payment_intent_id = ?`, intentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", sverrors.StorageError("issuance_reservation_lookup_failed", "failed to look up reservation", err)
	}
	return id, nil
}

func (m *Machine) createPendingIssuance(ctx context.Context, intentID, namespace string, now time.Time) (*Issuance, error) {
	id := "iss_" + uuid.NewString()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO issuances (id, payment_intent_id, namespace, state, retry_count, disputed, created_at) VALUES (?, ?, ?, ?, 0, 0, ?)`,
		id, intentID, namespace, string(StatePending), now.UTC().Unix())
	if err != nil {
		return nil, sverrors.StorageError("issuance_create_failed", "failed to create issuance", err)
	}
	return &Issuance{ID: id, PaymentIntentID: intentID, Namespace: namespace, State: StatePending, CreatedAt: now.UTC()}, nil
}

// transition performs one conditioned state change. Zero rows affected is a
// conflict, surfaced to the caller rather than silently ignored.
func (m *Machine) transition(ctx context.Context, issuanceID string, from, to State) error {
	res, err := m.db.ExecContext(ctx, `UPDATE issuances SET state = ? WHERE id = ? AND state = ?`, string(to), issuanceID, string(from))
	if err != nil {
		return sverrors.StorageError("issuance_transition_failed", fmt.Sprintf("failed to transition %s->%s", from, to), err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sverrors.Conflict("issuance_conflict", fmt.Sprintf("issuance is not in state %s", from), nil)
	}
	metrics.Registry().ObserveIssuanceTransition(string(from), string(to))
	return nil
}

func (m *Machine) finalizeIssued(ctx context.Context, issuanceID, cid, contentHash, downloadToken string, expiresAt, now time.Time) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE issuances SET state = ?, ipfs_cid = ?, content_hash = ?, download_token = ?, download_expires_at = ?, issued_at = ?
		 WHERE id = ? AND state = ?`,
		string(StateIssued), cid, contentHash, downloadToken, expiresAt.Unix(), now.UTC().Unix(), issuanceID, string(StateProcessing))
	if err != nil {
		return sverrors.StorageError("issuance_finalize_failed", "failed to finalize issuance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sverrors.Conflict("issuance_conflict", "issuance is not in processing state", nil)
	}
	return nil
}

// recordFailure transitions processing -> failed, incrementing retry_count
// and scheduling the next retry.
func (m *Machine) recordFailure(ctx context.Context, issuanceID string, cause error, now time.Time) error {
	var retryCount int
	if err := m.db.QueryRowContext(ctx, `SELECT retry_count FROM issuances WHERE id = ?`, issuanceID).Scan(&retryCount); err != nil {
		return sverrors.StorageError("issuance_failure_record_failed", "failed to read retry count", err)
	}
	retryCount++
	nextRetry := now.UTC().Add(time.Duration(retryCount) * RetryBackoff)
	lastError := cause.Error()
	if retryCount >= MaxRetries {
		lastError = "DEAD-LETTER: exceeded max retries"
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE issuances SET state = ?, retry_count = ?, next_retry_at = ?, last_error = ? WHERE id = ? AND state = ?`,
		string(StateFailed), retryCount, nextRetry.Unix(), lastError, issuanceID, string(StateProcessing))
	if err != nil {
		return sverrors.StorageError("issuance_failure_record_failed", "failed to record issuance failure", err)
	}
	if retryCount >= MaxRetries {
		metrics.Registry().IncIssuanceDeadLetter()
	}
	m.log.WarnContext(ctx, "issuance attempt failed", "issuance_id", issuanceID, "retry_count", retryCount, "error", cause)
	return nil
}

// RunRetryWorker selects failed issuances whose retry is due and resets
// them to pending, re-entering the pipeline. Issuances at MaxRetries are
// left alone — dead-lettered, per §4.3.
func (m *Machine) RunRetryWorker(ctx context.Context, now time.Time) (int, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id FROM issuances WHERE state = ? AND retry_count < ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?`,
		string(StateFailed), MaxRetries, now.UTC().Unix())
	if err != nil {
		return 0, sverrors.StorageError("issuance_retry_scan_failed", "failed to scan retryable issuances", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, sverrors.StorageError("issuance_retry_scan_failed", "failed to scan issuance id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	reset := 0
	for _, id := range ids {
		res, err := m.db.ExecContext(ctx, `UPDATE issuances SET state = ? WHERE id = ? AND state = ?`, string(StatePending), id, string(StateFailed))
		if err != nil {
			return reset, sverrors.StorageError("issuance_retry_reset_failed", "failed to reset issuance to pending", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reset++
			metrics.Registry().IncIssuanceRetry()
		}
	}
	return reset, nil
}

func (m *Machine) getIntentByExternalID(ctx context.Context, q rowQuerier, externalID string) (*PaymentIntent, error) {
	var p PaymentIntent
	var namespaceReserved, lockToken sql.NullString
	var settledAt, processingStartedAt sql.NullInt64
	var createdAt int64
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT id, external_id, amount_minor, currency, payer, tier, namespace_reserved, status, created_at, settled_at, issuance_lock_token, processing_started_at
		 FROM payment_intents WHERE external_id = ?`, externalID).
		Scan(&p.ID, &p.ExternalID, &p.AmountMinor, &p.Currency, &p.Payer, &p.Tier, &namespaceReserved, &status, &createdAt, &settledAt, &lockToken, &processingStartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sverrors.StorageError("issuance_query_failed", "failed to query payment intent", err)
	}
	p.Status = PaymentStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	if namespaceReserved.Valid {
		p.NamespaceReserved = namespaceReserved.String
	}
	if lockToken.Valid {
		p.IssuanceLockToken = lockToken.String
	}
	if settledAt.Valid {
		t := time.Unix(settledAt.Int64, 0).UTC()
		p.SettledAt = &t
	}
	if processingStartedAt.Valid {
		t := time.Unix(processingStartedAt.Int64, 0).UTC()
		p.ProcessingStartedAt = &t
	}
	return &p, nil
}

func (m *Machine) getIssuanceByIntent(ctx context.Context, q rowQuerier, intentID string) (*Issuance, error) {
	var iss Issuance
	var cid, contentHash, downloadToken, lastError sql.NullString
	var downloadExpiresAt, nextRetryAt, voidedAt, issuedAt sql.NullInt64
	var createdAt int64
	var state string
	var disputed int
	err := q.QueryRowContext(ctx,
		`SELECT id, payment_intent_id, namespace, state, ipfs_cid, content_hash, download_token, download_expires_at, retry_count, last_error, next_retry_at, voided_at, disputed, issued_at, created_at
		 FROM issuances WHERE payment_intent_id = ?`, intentID).
		Scan(&iss.ID, &iss.PaymentIntentID, &iss.Namespace, &state, &cid, &contentHash, &downloadToken, &downloadExpiresAt, &iss.RetryCount, &lastError, &nextRetryAt, &voidedAt, &disputed, &issuedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sverrors.StorageError("issuance_query_failed", "failed to query issuance", err)
	}
	iss.State = State(state)
	iss.Disputed = disputed != 0
	iss.CreatedAt = time.Unix(createdAt, 0).UTC()
	if cid.Valid {
		iss.IPFSCID = cid.String
	}
	if contentHash.Valid {
		iss.ContentHash = contentHash.String
	}
	if downloadToken.Valid {
		iss.DownloadToken = downloadToken.String
	}
	if lastError.Valid {
		iss.LastError = lastError.String
	}
	if downloadExpiresAt.Valid {
		t := time.Unix(downloadExpiresAt.Int64, 0).UTC()
		iss.DownloadExpiresAt = &t
	}
	if nextRetryAt.Valid {
		t := time.Unix(nextRetryAt.Int64, 0).UTC()
		iss.NextRetryAt = &t
	}
	if voidedAt.Valid {
		t := time.Unix(voidedAt.Int64, 0).UTC()
		iss.VoidedAt = &t
	}
	if issuedAt.Valid {
		t := time.Unix(issuedAt.Int64, 0).UTC()
		iss.IssuedAt = &t
	}
	return &iss, nil
}

// GetByDownloadToken looks up a still-valid issuance by its download token,
// for the download gateway handler.
func (m *Machine) GetByDownloadToken(ctx context.Context, token string, now time.Time) (*Issuance, error) {
	var intentID string
	err := m.db.QueryRowContext(ctx, `SELECT payment_intent_id FROM issuances WHERE download_token = ?`, token).Scan(&intentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sverrors.NotFound("download_token_invalid", "download token not recognized", nil)
	}
	if err != nil {
		return nil, sverrors.StorageError("issuance_query_failed", "failed to query download token", err)
	}
	iss, err := m.getIssuanceByIntent(ctx, m.db, intentID)
	if err != nil {
		return nil, err
	}
	if iss == nil || iss.DownloadToken != token {
		return nil, sverrors.NotFound("download_token_invalid", "download token not recognized", nil)
	}
	if iss.DownloadExpiresAt != nil && now.After(*iss.DownloadExpiresAt) {
		return nil, sverrors.NotFound("download_token_expired", "download token has expired", nil)
	}
	return iss, nil
}

// Fetch retrieves the published certificate bytes for an issued certificate.
func (m *Machine) Fetch(ctx context.Context, iss *Issuance) ([]byte, error) {
	if iss.State != StateIssued || iss.IPFSCID == "" {
		return nil, sverrors.NotFound("certificate_not_available", "certificate is not issued", nil)
	}
	data, err := m.store.Fetch(ctx, iss.IPFSCID)
	if err != nil {
		return nil, sverrors.ExternalError("content_store_fetch_failed", "failed to fetch certificate bytes", err)
	}
	return data, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
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
