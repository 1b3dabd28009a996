// Package ledger implements the Sovereign Ledger Core: the authoritative
// record of assets, double-entry balances, and namespaces, plus the
// deterministic state-root commitment and the TEV authorization gate
// guarding every capital-impacting operation. It exclusively owns the
// assets, accounts, postings, and namespaces tables.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"sovereignchain/core/auditchain"
	"sovereignchain/crypto"
	"sovereignchain/observability/metrics"
	"sovereignchain/pkg/hashdomain"
	"sovereignchain/pkg/sverrors"
)

// Side is one side of a double-entry posting.
type Side string

const (
	Credit Side = "CR"
	Debit  Side = "DR"
)

// Domain tags separate the ledger's sub-hashes from every other hash
// computed in this repository.
const (
	DomainAssets     = "SOVEREIGN_LEDGER_ASSETS_V1"
	DomainBalances   = "SOVEREIGN_LEDGER_BALANCES_V1"
	DomainNamespaces = "SOVEREIGN_LEDGER_NAMESPACES_V1"
	DomainStateRoot  = "SOVEREIGN_LEDGER_STATE_ROOT_V1"
)

// Asset is a registered ledger asset.
type Asset struct {
	Symbol   string
	Decimals int
	PolicyURI string
}

// Namespace is a one-shot registered controller binding.
type Namespace struct {
	Name         string
	Controller   string
	MetadataHash string
	RegisteredAt time.Time
}

// TevDecision authorizes a single capital-impacting operation. Absence of a
// valid decision is always a deny — there is no default-allow path.
type TevDecision struct {
	Allowed    bool
	PolicyHash string
}

// Ledger owns assets, accounts, postings, namespaces, and the governance
// halt flag.
type Ledger struct {
	db               *sql.DB
	expectedPolicyHash string
}

// New constructs a Ledger bound to the shared store. expectedPolicyHash is
// the 32-byte hex constitutional policy hash every TevDecision must match.
func New(db *sql.DB, expectedPolicyHash string) *Ledger {
	return &Ledger{db: db, expectedPolicyHash: expectedPolicyHash}
}

// RegisterAsset registers symbol (case-normalized to upper-case) with its
// decimal precision. Re-registration fails with AssetExists.
func (l *Ledger) RegisterAsset(ctx context.Context, symbol string, decimals int, policyURI string) (*Asset, error) {
	symbol = strings.ToUpper(symbol)
	_, err := l.db.ExecContext(ctx, `INSERT INTO assets (symbol, decimals, policy_uri) VALUES (?, ?, ?)`, symbol, decimals, nullableString(policyURI))
	if err != nil {
		if isUniqueConflict(err) {
			return nil, sverrors.Conflict("asset_exists", fmt.Sprintf("asset %q is already registered", symbol), nil)
		}
		return nil, sverrors.StorageError("ledger_register_asset_failed", "failed to register asset", err)
	}
	return &Asset{Symbol: symbol, Decimals: decimals, PolicyURI: policyURI}, nil
}

// RegisterNamespace registers name (case-normalized to lower-case) as a
// one-shot genesis-style binding to controller, which must be a valid
// bech32 address under the sovereign or treasury prefix — a namespace's
// controller is a capital-bearing identity, not a free-form label, so it is
// parsed and re-serialized through crypto.Address the same way any other
// account reference in this package would be. Duplicates fail.
func (l *Ledger) RegisterNamespace(ctx context.Context, name, controller, metadataHash string, now time.Time) (*Namespace, error) {
	name = strings.ToLower(name)
	addr, err := crypto.DecodeAddress(controller)
	if err != nil {
		return nil, sverrors.Validation("invalid_controller", fmt.Sprintf("controller %q is not a valid address", controller), err)
	}
	if addr.Prefix() != crypto.SovereignPrefix && addr.Prefix() != crypto.TreasuryPrefix {
		return nil, sverrors.Validation("invalid_controller", fmt.Sprintf("controller %q has unrecognized prefix %q", controller, addr.Prefix()), nil)
	}
	controller = addr.String()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO namespaces (name, controller, metadata_hash, registered_at) VALUES (?, ?, ?, ?)`,
		name, controller, nullableString(metadataHash), now.UTC().Unix())
	if err != nil {
		if isUniqueConflict(err) {
			return nil, sverrors.Conflict("namespace_exists", fmt.Sprintf("namespace %q is already registered", name), nil)
		}
		return nil, sverrors.StorageError("ledger_register_namespace_failed", "failed to register namespace", err)
	}
	return &Namespace{Name: name, Controller: controller, MetadataHash: metadataHash, RegisteredAt: now.UTC()}, nil
}

// checkRunning refuses the operation unless governance reports Running.
func (l *Ledger) checkRunning(ctx context.Context, q querier) error {
	var halted int
	if err := q.QueryRowContext(ctx, `SELECT halted FROM system_state WHERE id = 1`).Scan(&halted); err != nil {
		return sverrors.StorageError("ledger_governance_check_failed", "failed to read governance state", err)
	}
	if halted != 0 {
		return sverrors.AuthorizationDenied("emergency_halt", "ledger operations are halted", nil)
	}
	return nil
}

// Halt sets EmergencyHalt to Halted. Governance may halt but never mints or
// bypasses TEV; Halt itself requires no TevDecision since it can only ever
// restrict capital movement, never release it.
func (l *Ledger) Halt(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `UPDATE system_state SET halted = 1 WHERE id = 1`)
	if err != nil {
		return sverrors.StorageError("ledger_halt_failed", "failed to set emergency halt", err)
	}
	metrics.Registry().SetLedgerHalted(true)
	return nil
}

// Resume clears EmergencyHalt back to Running.
func (l *Ledger) Resume(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `UPDATE system_state SET halted = 0 WHERE id = 1`)
	if err != nil {
		return sverrors.StorageError("ledger_resume_failed", "failed to clear emergency halt", err)
	}
	metrics.Registry().SetLedgerHalted(false)
	return nil
}

// WithTev runs fn under the TEV authorization gate: it writes a
// tev_decision entry to the audit chain before invoking fn, and refuses to
// run fn at all unless decision.Allowed and decision.PolicyHash matches the
// ledger's expected constitutional hash. An audit-write failure aborts
// execution — fn is never called if the gate entry could not be recorded.
func (l *Ledger) WithTev(ctx context.Context, decision TevDecision, meta auditchain.Meta, action string, fn func(tx *sql.Tx) error) error {
	if err := l.checkRunning(ctx, l.db); err != nil {
		return err
	}
	if !decision.Allowed || decision.PolicyHash != l.expectedPolicyHash {
		return sverrors.AuthorizationDenied("tev_denied", fmt.Sprintf("TEV denied for action %q", action), nil)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return sverrors.StorageError("ledger_tev_failed", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	payload := fmt.Sprintf(`{"action":%q,"policy_hash":%q}`, action, decision.PolicyHash)
	if _, err := auditchain.Append(ctx, tx, meta, "tev_decision", []byte(payload)); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sverrors.StorageError("ledger_tev_failed", "failed to commit TEV-gated operation", err)
	}
	return nil
}

// Post appends a single posting. amount must be a positive decimal string;
// a DR posting that would drive the balance negative is refused.
func Post(ctx context.Context, tx *sql.Tx, asset, account string, side Side, amount string, memo string, now time.Time) error {
	asset = strings.ToUpper(asset)
	amt, err := parseAmount(amount)
	if err != nil {
		return sverrors.Validation("invalid_amount", "posting amount must be a positive decimal", err)
	}
	if side == Debit {
		balance, err := balanceOf(ctx, tx, asset, account)
		if err != nil {
			return err
		}
		if balance-amt < 0 {
			return sverrors.Conflict("insufficient_balance", fmt.Sprintf("account %q has insufficient %s balance", account, asset), nil)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO postings (ts, asset, account, side, amount, memo) VALUES (?, ?, ?, ?, ?, ?)`,
		now.UTC().Unix(), asset, account, string(side), amount, nullableString(memo)); err != nil {
		return sverrors.StorageError("ledger_post_failed", "failed to append posting", err)
	}
	metrics.Registry().IncLedgerPosting(asset)
	return nil
}

// Transfer executes DR from followed by CR to, atomically, within tx.
func Transfer(ctx context.Context, tx *sql.Tx, asset, from, to, amount string, memo string, now time.Time) error {
	if err := Post(ctx, tx, asset, from, Debit, amount, memo, now); err != nil {
		return err
	}
	if err := Post(ctx, tx, asset, to, Credit, amount, memo, now); err != nil {
		return err
	}
	return nil
}

// BalanceOf returns Σ(CR) − Σ(DR) in fixed-point minor units for asset/account.
func (l *Ledger) BalanceOf(ctx context.Context, asset, account string) (int64, error) {
	return balanceOf(ctx, l.db, strings.ToUpper(asset), account)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func balanceOf(ctx context.Context, q querier, asset, account string) (int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT side, amount FROM postings WHERE asset = ? AND account = ?`, asset, account)
	if err != nil {
		return 0, sverrors.StorageError("ledger_balance_query_failed", "failed to query postings", err)
	}
	defer rows.Close()
	var balance int64
	for rows.Next() {
		var side, amountStr string
		if err := rows.Scan(&side, &amountStr); err != nil {
			return 0, sverrors.StorageError("ledger_balance_scan_failed", "failed to scan posting", err)
		}
		amt, err := parseAmount(amountStr)
		if err != nil {
			return 0, sverrors.StorageError("ledger_balance_scan_failed", "stored posting amount unparsable", err)
		}
		if side == string(Credit) {
			balance += amt
		} else {
			balance -= amt
		}
	}
	if err := rows.Err(); err != nil {
		return 0, sverrors.StorageError("ledger_balance_scan_failed", "failed iterating postings", err)
	}
	return balance, nil
}

func parseAmount(amount string) (int64, error) {
	v, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %d", v)
	}
	return v, nil
}

// StateRoot computes the deterministic composite commitment
// H(domain_root || "|namespaces:" || H_namespaces || "|assets:" || H_assets || "|balances:" || H_balances).
// It depends only on current state: sorted keys, no wall clock, no floats.
func (l *Ledger) StateRoot(ctx context.Context) (string, error) {
	namespacesHash, err := l.namespacesHash(ctx)
	if err != nil {
		return "", err
	}
	assetsHash, err := l.assetsHash(ctx)
	if err != nil {
		return "", err
	}
	balancesHash, err := l.balancesHash(ctx)
	if err != nil {
		return "", err
	}
	msg := []byte("|namespaces:" + namespacesHash + "|assets:" + assetsHash + "|balances:" + balancesHash)
	digest := hashdomain.Sum(DomainStateRoot, msg)
	return hashdomain.Hex(digest), nil
}

func (l *Ledger) namespacesHash(ctx context.Context) (string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name, controller, metadata_hash FROM namespaces ORDER BY name ASC`)
	if err != nil {
		return "", sverrors.StorageError("ledger_hash_query_failed", "failed to query namespaces", err)
	}
	defer rows.Close()
	var buf strings.Builder
	for rows.Next() {
		var name, controller string
		var meta sql.NullString
		if err := rows.Scan(&name, &controller, &meta); err != nil {
			return "", sverrors.StorageError("ledger_hash_scan_failed", "failed to scan namespace", err)
		}
		buf.WriteString(name + "|" + controller + "|" + meta.String + ";")
	}
	if err := rows.Err(); err != nil {
		return "", sverrors.StorageError("ledger_hash_scan_failed", "failed iterating namespaces", err)
	}
	return hashdomain.Hex(hashdomain.Sum(DomainNamespaces, []byte(buf.String()))), nil
}

func (l *Ledger) assetsHash(ctx context.Context) (string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT symbol, decimals, policy_uri FROM assets ORDER BY symbol ASC`)
	if err != nil {
		return "", sverrors.StorageError("ledger_hash_query_failed", "failed to query assets", err)
	}
	defer rows.Close()
	var buf strings.Builder
	for rows.Next() {
		var symbol string
		var decimals int
		var policyURI sql.NullString
		if err := rows.Scan(&symbol, &decimals, &policyURI); err != nil {
			return "", sverrors.StorageError("ledger_hash_scan_failed", "failed to scan asset", err)
		}
		buf.WriteString(fmt.Sprintf("%s|%d|%s;", symbol, decimals, policyURI.String))
	}
	if err := rows.Err(); err != nil {
		return "", sverrors.StorageError("ledger_hash_scan_failed", "failed iterating assets", err)
	}
	return hashdomain.Hex(hashdomain.Sum(DomainAssets, []byte(buf.String()))), nil
}

// balancesHash sums postings per (asset, account) in memory, then hashes
// the sorted, non-zero balances — iteration order of the underlying query
// never leaks into the digest.
func (l *Ledger) balancesHash(ctx context.Context) (string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT asset, account, side, amount FROM postings`)
	if err != nil {
		return "", sverrors.StorageError("ledger_hash_query_failed", "failed to query postings", err)
	}
	defer rows.Close()
	type key struct{ asset, account string }
	balances := make(map[key]int64)
	for rows.Next() {
		var asset, account, side, amountStr string
		if err := rows.Scan(&asset, &account, &side, &amountStr); err != nil {
			return "", sverrors.StorageError("ledger_hash_scan_failed", "failed to scan posting", err)
		}
		amt, err := parseAmount(amountStr)
		if err != nil {
			return "", sverrors.StorageError("ledger_hash_scan_failed", "stored posting amount unparsable", err)
		}
		k := key{asset, account}
		if side == string(Credit) {
			balances[k] += amt
		} else {
			balances[k] -= amt
		}
	}
	if err := rows.Err(); err != nil {
		return "", sverrors.StorageError("ledger_hash_scan_failed", "failed iterating postings", err)
	}
	keys := make([]key, 0, len(balances))
	for k, v := range balances {
		if v == 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].asset != keys[j].asset {
			return keys[i].asset < keys[j].asset
		}
		return keys[i].account < keys[j].account
	})
	var buf strings.Builder
	for _, k := range keys {
		buf.WriteString(fmt.Sprintf("%s|%s|%d;", k.asset, k.account, balances[k]))
	}
	return hashdomain.Hex(hashdomain.Sum(DomainBalances, []byte(buf.String()))), nil
}

// GetAsset returns (nil, nil) when symbol is not registered.
func (l *Ledger) GetAsset(ctx context.Context, symbol string) (*Asset, error) {
	symbol = strings.ToUpper(symbol)
	var a Asset
	var policyURI sql.NullString
	err := l.db.QueryRowContext(ctx, `SELECT symbol, decimals, policy_uri FROM assets WHERE symbol = ?`, symbol).Scan(&a.Symbol, &a.Decimals, &policyURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sverrors.StorageError("ledger_query_failed", "failed to query asset", err)
	}
	if policyURI.Valid {
		a.PolicyURI = policyURI.String
	}
	return &a, nil
}

// GetNamespace returns (nil, nil) when name is not registered.
func (l *Ledger) GetNamespace(ctx context.Context, name string) (*Namespace, error) {
	name = strings.ToLower(name)
	var ns Namespace
	var meta sql.NullString
	var registeredAt int64
	err := l.db.QueryRowContext(ctx, `SELECT name, controller, metadata_hash, registered_at FROM namespaces WHERE name = ?`, name).
		Scan(&ns.Name, &ns.Controller, &meta, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sverrors.StorageError("ledger_query_failed", "failed to query namespace", err)
	}
	if meta.Valid {
		ns.MetadataHash = meta.String
	}
	ns.RegisteredAt = time.Unix(registeredAt, 0).UTC()
	return &ns, nil
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
