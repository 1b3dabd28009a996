// Package policy implements the fail-closed authorization gate: a registry
// of named rules, each producing one of four terminal decisions, with
// approvals read back from the Event Spine rather than stored separately.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sovereignchain/core/spine"
	"sovereignchain/observability/metrics"
	"sovereignchain/pkg/sverrors"
)

// Outcome is one of the four terminal policy decisions.
type Outcome int

const (
	AutoApproved Outcome = iota
	Approved
	RequiresApproval
	Denied
)

func (o Outcome) String() string {
	switch o {
	case AutoApproved:
		return "auto_approved"
	case Approved:
		return "approved"
	case RequiresApproval:
		return "requires_approval"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Decision is the result of evaluating a rule.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// IsAllowed reports whether the action may proceed without further user action.
func (d Decision) IsAllowed() bool { return d.Outcome == AutoApproved || d.Outcome == Approved }

// RequiresUserAction reports whether the caller must obtain an approval.
func (d Decision) RequiresUserAction() bool { return d.Outcome == RequiresApproval }

// Request describes the action being authorized.
type Request struct {
	Actor      string
	Action     string
	ResourceID string
	AmountMinor int64
	Now        time.Time
}

// Rule evaluates a Request into a Decision. Extending the policy set means
// implementing Rule and registering an instance under a new action name,
// never adding a branch to a closed switch.
type Rule interface {
	Evaluate(ctx context.Context, e *Engine, req Request) (Decision, error)
}

// Engine holds the rule registry and a read-only reference to the Event
// Spine, through which it both reads prior approvals and writes new
// approval/denial events. It never owns the spine's table directly.
type Engine struct {
	db    *sql.DB
	spine *spine.Spine
	rules map[string]Rule
}

// New constructs a policy Engine bound to the shared store.
func New(db *sql.DB) *Engine {
	return &Engine{db: db, spine: spine.New(db), rules: make(map[string]Rule)}
}

// Register binds a Rule to the action name it governs.
func (e *Engine) Register(action string, rule Rule) {
	e.rules[action] = rule
}

// Evaluate looks up the rule for req.Action and evaluates it. Any storage
// error while consulting the spine is itself treated as Denied — the
// engine never allows an action on error.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	rule, ok := e.rules[req.Action]
	if !ok {
		metrics.Registry().ObservePolicyDecision(req.Action, Denied.String())
		return Decision{Outcome: Denied, Reason: "no policy registered for action"}, nil
	}
	decision, err := rule.Evaluate(ctx, e, req)
	if err != nil {
		metrics.Registry().ObservePolicyDecision(req.Action, Denied.String())
		return Decision{Outcome: Denied, Reason: "policy evaluation failed"}, sverrors.StorageError("policy_eval_failed", "failed evaluating policy", err)
	}
	metrics.Registry().ObservePolicyDecision(req.Action, decision.Outcome.String())
	return decision, nil
}

// approvalPayload is the canonical shape written/read for policy.approve
// and policy.deny events.
type approvalPayload struct {
	Action     string                 `json:"action"`
	ResourceID string                 `json:"resourceId"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// ApproveAction writes a policy.approve event. Approval writes must
// complete before returning success to the caller.
func (e *Engine) ApproveAction(ctx context.Context, actor, action, resourceID string, metadata map[string]interface{}) error {
	payload, err := json.Marshal(approvalPayload{Action: action, ResourceID: resourceID, Metadata: metadata})
	if err != nil {
		return sverrors.Validation("invalid_metadata", "approval metadata must be JSON-serializable", err)
	}
	_, err = spine.Write(ctx, e.db, &spine.Event{
		Actor: actor, Type: "policy.approve", Payload: payload, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return nil
}

// DenyAction writes a policy.deny event recording why.
func (e *Engine) DenyAction(ctx context.Context, actor, action, resourceID, reason string) error {
	payload, err := json.Marshal(approvalPayload{Action: action, ResourceID: resourceID, Reason: reason})
	if err != nil {
		return sverrors.Validation("invalid_reason", "deny reason must be JSON-serializable", err)
	}
	_, err = spine.Write(ctx, e.db, &spine.Event{
		Actor: actor, Type: "policy.deny", Payload: payload, Timestamp: time.Now().UTC(),
	})
	return err
}

// hasFreshApproval scans up to scanLimit of the actor's newest policy.approve
// events for one matching action/resourceID within ttl of now. A malformed
// approval payload is ignored rather than treated as a match or an error.
func hasFreshApproval(ctx context.Context, e *Engine, actor, action, resourceID string, ttl time.Duration, now time.Time, scanLimit int) (bool, error) {
	events, err := e.spine.FindByActor(ctx, actor, "policy.approve", scanLimit)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		var payload approvalPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if payload.Action != action || payload.ResourceID != resourceID {
			continue
		}
		if now.Sub(ev.Timestamp) <= ttl {
			return true, nil
		}
	}
	return false, nil
}

// minApprovalScan is the minimum number of recent events scanned for a
// matching approval, per §4.2 ("up to N (≥100)").
const minApprovalScan = 100

// AmountThreshold implements finance.send: amounts below the threshold are
// auto-approved; amounts at or above it require a fresh approval event.
type AmountThreshold struct {
	AutoApproveBelowMinor int64
	ApprovalTTL           time.Duration
	ResourceKey           string // "payment_id" for finance operations
}

func (r AmountThreshold) Evaluate(ctx context.Context, e *Engine, req Request) (Decision, error) {
	if req.AmountMinor < r.AutoApproveBelowMinor {
		return Decision{Outcome: AutoApproved}, nil
	}
	ttl := r.ApprovalTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ok, err := hasFreshApproval(ctx, e, req.Actor, req.Action, req.ResourceID, ttl, req.Now, minApprovalScan)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Outcome: Approved}, nil
	}
	return Decision{Outcome: RequiresApproval}, nil
}

// RequireApproval implements vault.delete: always requires a fresh approval,
// never auto-approved regardless of amount.
type RequireApproval struct {
	ApprovalTTL time.Duration
	ResourceKey string // "file_id" for vault operations
}

func (r RequireApproval) Evaluate(ctx context.Context, e *Engine, req Request) (Decision, error) {
	ttl := r.ApprovalTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ok, err := hasFreshApproval(ctx, e, req.Actor, req.Action, req.ResourceID, ttl, req.Now, minApprovalScan)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Outcome: Approved}, nil
	}
	return Decision{Outcome: RequiresApproval}, nil
}

// RequireDelegation implements tel.forward: allowed only while an active
// delegation event binds the caller to the named namespace.
type RequireDelegation struct {
	FromNamespaceKey string
	DelegationTTL    time.Duration
}

func (r RequireDelegation) Evaluate(ctx context.Context, e *Engine, req Request) (Decision, error) {
	ttl := r.DelegationTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	events, err := e.spine.FindByActor(ctx, req.Actor, "tel.delegate", minApprovalScan)
	if err != nil {
		return Decision{}, err
	}
	for _, ev := range events {
		var payload struct {
			Namespace string `json:"namespace"`
			Revoked   bool   `json:"revoked"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if payload.Namespace != req.ResourceID {
			continue
		}
		// The newest tel.delegate event for this namespace is authoritative:
		// a later revocation must win over an earlier grant, so the scan
		// stops at the first match instead of skipping past revoked ones.
		if payload.Revoked {
			break
		}
		if req.Now.Sub(ev.Timestamp) <= ttl {
			return Decision{Outcome: Approved}, nil
		}
		break
	}
	return Decision{Outcome: Denied, Reason: fmt.Sprintf("no active delegation for namespace %s", req.ResourceID)}, nil
}
