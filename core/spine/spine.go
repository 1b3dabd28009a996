// Package spine implements the Event Spine: a durable, append-only,
// content-addressed log of every action the sovereign state machine takes.
// It is the exclusive owner of the events table; every other component
// writes through it instead of touching the table directly.
package spine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sovereignchain/observability/metrics"
	"sovereignchain/pkg/hashdomain"
	"sovereignchain/pkg/sverrors"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting Write
// participate in a caller-supplied transaction (e.g. Policy writing
// an approval event as part of a larger operation) or run standalone.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Event is an immutable, append-only action record.
type Event struct {
	EventID      string
	Actor        string
	Type         string
	Payload      json.RawMessage
	Timestamp    time.Time
	PreviousHash string // optional per-actor/per-stream chain pointer
}

// ErrDuplicateEvent is returned by Write when event_id already exists.
var ErrDuplicateEvent = errors.New("spine: duplicate event")

// Spine owns the events table.
type Spine struct {
	db *sql.DB
}

// New constructs a Spine bound to the shared database handle.
func New(db *sql.DB) *Spine {
	return &Spine{db: db}
}

// ComputeEventID recomputes the content ID per the canonical rule:
// SHA256("SPINE_EVENT_V1" || actor || "||" || type || "||" || canonical(payload) || "||" || iso8601(timestamp)).
func ComputeEventID(actor, eventType string, payload json.RawMessage, ts time.Time) (string, error) {
	var generic interface{}
	if len(payload) == 0 {
		generic = map[string]interface{}{}
	} else if err := json.Unmarshal(payload, &generic); err != nil {
		return "", fmt.Errorf("spine: invalid payload: %w", err)
	}
	canonicalPayload, err := hashdomain.Canonicalize(generic)
	if err != nil {
		return "", err
	}
	msg := []byte(actor + "||" + eventType + "||")
	msg = append(msg, canonicalPayload...)
	msg = append(msg, []byte("||"+ts.UTC().Format(time.RFC3339Nano))...)
	digest := hashdomain.Sum("SPINE_EVENT_V1", msg)
	return hashdomain.Hex(digest), nil
}

// Write atomically inserts event, computing and validating its event_id if
// unset, or verifying a caller-supplied one reproduces from the fields.
// A failed write is fatal to the enclosing operation: callers must not
// proceed as though the action happened.
func Write(ctx context.Context, q querier, e *Event) (*Event, error) {
	if e == nil {
		return nil, sverrors.Validation("invalid_event", "event must not be nil", nil)
	}
	if e.Actor == "" || e.Type == "" {
		return nil, sverrors.Validation("invalid_event", "actor and type are required", nil)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	id, err := ComputeEventID(e.Actor, e.Type, e.Payload, e.Timestamp)
	if err != nil {
		return nil, sverrors.Validation("invalid_event", "could not compute event id", err)
	}
	if e.EventID == "" {
		e.EventID = id
	} else if e.EventID != id {
		return nil, sverrors.Validation("invalid_event", "supplied event_id does not match recomputed id", nil)
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO events (event_id, actor, type, payload, timestamp, previous_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Actor, e.Type, string(payload), e.Timestamp.UTC().Format(time.RFC3339Nano),
		nullableString(e.PreviousHash), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		if isUniqueConflict(err) {
			return nil, sverrors.Conflict("duplicate_event", "event already recorded", ErrDuplicateEvent)
		}
		return nil, sverrors.StorageError("spine_write_failed", "failed to append event", err)
	}
	metrics.Registry().ObserveEventWritten(e.Type)
	return e, nil
}

// Get retrieves a single event by id, returning (nil, nil) when absent.
func (s *Spine) Get(ctx context.Context, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, actor, type, payload, timestamp, previous_hash FROM events WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

// FindByActor returns the actor's events, newest-first, optionally filtered
// by type, capped at limit.
func (s *Spine) FindByActor(ctx context.Context, actor, eventType string, limit int) ([]*Event, error) {
	query := `SELECT event_id, actor, type, payload, timestamp, previous_hash FROM events WHERE actor = ?`
	args := []interface{}{actor}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sverrors.StorageError("spine_query_failed", "failed to query events by actor", err)
	}
	return scanEvents(rows)
}

// FindByType returns the newest-first events of the given type, capped at limit.
func (s *Spine) FindByType(ctx context.Context, eventType string, limit int) ([]*Event, error) {
	query := `SELECT event_id, actor, type, payload, timestamp, previous_hash FROM events WHERE type = ? ORDER BY created_at DESC`
	args := []interface{}{eventType}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sverrors.StorageError("spine_query_failed", "failed to query events by type", err)
	}
	return scanEvents(rows)
}

// GetRecent returns the global newest-first event feed, capped at limit.
func (s *Spine) GetRecent(ctx context.Context, limit int) ([]*Event, error) {
	query := `SELECT event_id, actor, type, payload, timestamp, previous_hash FROM events ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sverrors.StorageError("spine_query_failed", "failed to query recent events", err)
	}
	return scanEvents(rows)
}

// Count returns the total number of events ever written.
func (s *Spine) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, sverrors.StorageError("spine_query_failed", "failed to count events", err)
	}
	return n, nil
}

// CountByActor returns the number of events written by actor.
func (s *Spine) CountByActor(ctx context.Context, actor string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE actor = ?`, actor).Scan(&n); err != nil {
		return 0, sverrors.StorageError("spine_query_failed", "failed to count events by actor", err)
	}
	return n, nil
}

func scanEvent(row *sql.Row) (*Event, error) {
	var e Event
	var payload, ts string
	var prevHash sql.NullString
	err := row.Scan(&e.EventID, &e.Actor, &e.Type, &payload, &ts, &prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sverrors.StorageError("spine_scan_failed", "failed to scan event", err)
	}
	return finishEvent(&e, payload, ts, prevHash)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		var payload, ts string
		var prevHash sql.NullString
		if err := rows.Scan(&e.EventID, &e.Actor, &e.Type, &payload, &ts, &prevHash); err != nil {
			return nil, sverrors.StorageError("spine_scan_failed", "failed to scan event", err)
		}
		finished, err := finishEvent(&e, payload, ts, prevHash)
		if err != nil {
			return nil, err
		}
		out = append(out, finished)
	}
	if err := rows.Err(); err != nil {
		return nil, sverrors.StorageError("spine_scan_failed", "failed iterating events", err)
	}
	return out, nil
}

func finishEvent(e *Event, payload, ts string, prevHash sql.NullString) (*Event, error) {
	e.Payload = json.RawMessage(payload)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, sverrors.StorageError("spine_scan_failed", "stored timestamp unparsable", err)
	}
	e.Timestamp = parsed
	if prevHash.Valid {
		e.PreviousHash = prevHash.String
	}
	return e, nil
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
