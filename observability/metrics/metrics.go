// Package metrics exposes the Prometheus counters and gauges every core
// package increments as it runs. A single process-wide registry is built
// once on first use, matching how the rest of the repository guards
// shared singletons.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide registry of operational counters and gauges.
type Metrics struct {
	eventsWritten        *prometheus.CounterVec
	policyDecisions      *prometheus.CounterVec
	issuanceTransitions  *prometheus.CounterVec
	issuanceRetries      prometheus.Counter
	issuanceDeadLetters  prometheus.Counter
	reservationsMade     *prometheus.CounterVec
	reservationsReleased *prometheus.CounterVec
	inventoryExhausted   *prometheus.CounterVec
	ledgerPostings       *prometheus.CounterVec
	ledgerHalted         prometheus.Gauge
	stateRootAge         prometheus.Gauge
	webhookFailures      *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Registry returns the process-wide Metrics instance, constructing and
// registering it with the default Prometheus registerer on first call.
func Registry() *Metrics {
	once.Do(func() {
		registry = &Metrics{
			eventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_events_written_total",
				Help: "Count of events appended to the event spine by event type.",
			}, []string{"type"}),
			policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_policy_decisions_total",
				Help: "Count of policy engine decisions by action and outcome.",
			}, []string{"action", "outcome"}),
			issuanceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_issuance_transitions_total",
				Help: "Count of issuance state machine transitions by from-state and to-state.",
			}, []string{"from", "to"}),
			issuanceRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sovereign_issuance_retries_total",
				Help: "Count of retry attempts performed by the issuance retry worker.",
			}),
			issuanceDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sovereign_issuance_dead_letters_total",
				Help: "Count of issuances moved to the dead-letter state after exhausting retries.",
			}),
			reservationsMade: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_reservations_made_total",
				Help: "Count of inventory reservations made by tier.",
			}, []string{"tier"}),
			reservationsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_reservations_released_total",
				Help: "Count of inventory reservations released by tier and reason.",
			}, []string{"tier", "reason"}),
			inventoryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_inventory_exhausted_total",
				Help: "Count of reservation attempts rejected because a tier's presell cap was reached.",
			}, []string{"tier"}),
			ledgerPostings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_ledger_postings_total",
				Help: "Count of ledger postings by asset symbol.",
			}, []string{"asset"}),
			ledgerHalted: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "sovereign_ledger_halted",
				Help: "1 when the ledger is halted and refusing postings, 0 otherwise.",
			}),
			stateRootAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "sovereign_state_root_age_seconds",
				Help: "Seconds since the state root was last recomputed.",
			}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereign_webhook_failures_total",
				Help: "Count of rejected or malformed webhook deliveries by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			registry.eventsWritten,
			registry.policyDecisions,
			registry.issuanceTransitions,
			registry.issuanceRetries,
			registry.issuanceDeadLetters,
			registry.reservationsMade,
			registry.reservationsReleased,
			registry.inventoryExhausted,
			registry.ledgerPostings,
			registry.ledgerHalted,
			registry.stateRootAge,
			registry.webhookFailures,
		)
	})
	return registry
}

// ObserveEventWritten records one event appended to the spine.
func (m *Metrics) ObserveEventWritten(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsWritten.WithLabelValues(eventType).Inc()
}

// ObservePolicyDecision records one policy engine evaluation outcome.
func (m *Metrics) ObservePolicyDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.policyDecisions.WithLabelValues(action, outcome).Inc()
}

// ObserveIssuanceTransition records one issuance state machine transition.
func (m *Metrics) ObserveIssuanceTransition(from, to string) {
	if m == nil {
		return
	}
	m.issuanceTransitions.WithLabelValues(from, to).Inc()
}

// IncIssuanceRetry records one retry-worker attempt.
func (m *Metrics) IncIssuanceRetry() {
	if m == nil {
		return
	}
	m.issuanceRetries.Inc()
}

// IncIssuanceDeadLetter records one issuance moving to the dead-letter state.
func (m *Metrics) IncIssuanceDeadLetter() {
	if m == nil {
		return
	}
	m.issuanceDeadLetters.Inc()
}

// IncReservationMade records one successful inventory reservation.
func (m *Metrics) IncReservationMade(tier string) {
	if m == nil {
		return
	}
	m.reservationsMade.WithLabelValues(tier).Inc()
}

// IncReservationReleased records one reservation release by reason
// ("fulfilled", "expired", "cancelled").
func (m *Metrics) IncReservationReleased(tier, reason string) {
	if m == nil {
		return
	}
	m.reservationsReleased.WithLabelValues(tier, reason).Inc()
}

// IncInventoryExhausted records one reservation attempt rejected for lack
// of remaining tier capacity.
func (m *Metrics) IncInventoryExhausted(tier string) {
	if m == nil {
		return
	}
	m.inventoryExhausted.WithLabelValues(tier).Inc()
}

// IncLedgerPosting records one ledger posting for an asset.
func (m *Metrics) IncLedgerPosting(asset string) {
	if m == nil {
		return
	}
	m.ledgerPostings.WithLabelValues(asset).Inc()
}

// SetLedgerHalted reports whether the ledger is currently halted.
func (m *Metrics) SetLedgerHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.ledgerHalted.Set(1)
		return
	}
	m.ledgerHalted.Set(0)
}

// SetStateRootAge reports how long it has been since the state root was
// last recomputed, for alerting on a stalled ledger.
func (m *Metrics) SetStateRootAge(seconds float64) {
	if m == nil {
		return
	}
	m.stateRootAge.Set(seconds)
}

// IncWebhookFailure records one rejected or malformed webhook delivery.
func (m *Metrics) IncWebhookFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.webhookFailures.WithLabelValues(reason).Inc()
}
