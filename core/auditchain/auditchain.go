// Package auditchain implements the ledger-side hash-chained audit log: a
// strictly ordered sequence of entries where each hash commits to the
// previous hash, letting any holder of the log verify it offline without
// trusting the store that served it.
package auditchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sovereignchain/pkg/hashdomain"
	"sovereignchain/pkg/sverrors"
)

// Domain separates audit-chain hashes from every other hash computed in
// this repository.
const Domain = "SOVEREIGN_AUDIT_CHAIN_V1"

// Meta carries the chain position metadata hashed into every entry.
type Meta struct {
	Height uint64 `json:"height"`
	Slot   uint64 `json:"slot"`
}

// Entry is one link in the audit chain.
type Entry struct {
	Seq     uint64
	PrevHash string
	Hash     string
	Meta     Meta
	Type     string
	Payload  json.RawMessage
}

// ComputeHash recomputes hash = H(domain || prev_hash || seq || canonical(meta) || type || canonical(payload)).
func ComputeHash(prevHash string, seq uint64, meta Meta, typ string, payload json.RawMessage) (string, error) {
	canonicalMeta, err := hashdomain.Canonicalize(meta)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if len(payload) == 0 {
		generic = map[string]interface{}{}
	} else if err := json.Unmarshal(payload, &generic); err != nil {
		return "", fmt.Errorf("auditchain: invalid payload: %w", err)
	}
	canonicalPayload, err := hashdomain.Canonicalize(generic)
	if err != nil {
		return "", err
	}
	msg := []byte(prevHash)
	msg = append(msg, []byte(fmt.Sprintf("|%d|", seq))...)
	msg = append(msg, canonicalMeta...)
	msg = append(msg, []byte("|"+typ+"|")...)
	msg = append(msg, canonicalPayload...)
	digest := hashdomain.Sum(Domain, msg)
	return hashdomain.Hex(digest), nil
}

// Chain owns the audit_chain table.
type Chain struct {
	db *sql.DB
}

// New constructs a Chain bound to the shared database handle.
func New(db *sql.DB) *Chain {
	return &Chain{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Append adds the next entry to the chain within q (allowing the ledger's
// TEV gate to append inside its own transaction before executing the
// guarded closure). Audit-write failure must abort the caller's operation.
func Append(ctx context.Context, q execer, meta Meta, typ string, payload json.RawMessage) (*Entry, error) {
	var lastSeq uint64
	var lastHash string
	row := q.QueryRowContext(ctx, `SELECT seq, hash FROM audit_chain ORDER BY seq DESC LIMIT 1`)
	switch err := row.Scan(&lastSeq, &lastHash); err {
	case nil:
		// chain already has entries
	case sql.ErrNoRows:
		lastSeq, lastHash = 0, ""
	default:
		return nil, sverrors.Fatal("audit_append_failed", "failed reading chain tip", err)
	}
	seq := lastSeq + 1
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	hash, err := ComputeHash(lastHash, seq, meta, typ, payload)
	if err != nil {
		return nil, sverrors.Fatal("audit_append_failed", "failed computing chain hash", err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO audit_chain (seq, prev_hash, hash, height, slot, type, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seq, lastHash, hash, meta.Height, meta.Slot, typ, string(payload)); err != nil {
		return nil, sverrors.Fatal("audit_append_failed", "failed appending chain entry", err)
	}
	return &Entry{Seq: seq, PrevHash: lastHash, Hash: hash, Meta: meta, Type: typ, Payload: payload}, nil
}

// Load reads the full chain in sequence order, for offline verification.
func (c *Chain) Load(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT seq, prev_hash, hash, height, slot, type, payload FROM audit_chain ORDER BY seq ASC`)
	if err != nil {
		return nil, sverrors.StorageError("audit_query_failed", "failed loading audit chain", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.Seq, &e.PrevHash, &e.Hash, &e.Meta.Height, &e.Meta.Slot, &e.Type, &payload); err != nil {
			return nil, sverrors.StorageError("audit_scan_failed", "failed scanning audit chain", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, sverrors.StorageError("audit_scan_failed", "failed iterating audit chain", err)
	}
	return out, nil
}

// VerifyChain walks entries in order, recomputing every hash. It returns
// (true, "") when the chain is internally consistent, or (false, reason)
// describing the first mismatch or gap encountered.
func VerifyChain(entries []Entry) (bool, string) {
	prevHash := ""
	var prevSeq uint64
	for i, e := range entries {
		expectedSeq := prevSeq + 1
		if i == 0 {
			expectedSeq = 1
		}
		if e.Seq != expectedSeq {
			return false, fmt.Sprintf("sequence gap at index %d: expected seq %d, got %d", i, expectedSeq, e.Seq)
		}
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("prev_hash mismatch at seq %d", e.Seq)
		}
		recomputed, err := ComputeHash(e.PrevHash, e.Seq, e.Meta, e.Type, e.Payload)
		if err != nil {
			return false, fmt.Sprintf("failed recomputing hash at seq %d: %v", e.Seq, err)
		}
		if recomputed != e.Hash {
			return false, fmt.Sprintf("hash mismatch at seq %d", e.Seq)
		}
		prevHash = e.Hash
		prevSeq = e.Seq
	}
	return true, ""
}
