// Package webhook exposes the HTTP adapter that receives payment-provider
// webhook deliveries and hands normalized events to the issuance pipeline.
// Per §6, the handler always answers 200 once an event has been processed
// or safely ignored, to preserve at-least-once delivery and provider
// idempotency; only malformed or unauthenticated requests get 4xx.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sovereignchain/core/issuance"
	"sovereignchain/externalsvc"
	"sovereignchain/observability/metrics"
	"sovereignchain/pkg/sverrors"
)

const (
	maxRequestBody   = 1 << 20
	headerSignature  = "X-Sovereign-Signature"
	headerSignature2 = "x-sovereign-signature"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Handler adapts inbound payment-provider webhooks to the Issuance State
// Machine. One Handler is shared across requests; it holds no per-request
// mutable state.
type Handler struct {
	machine       *issuance.Machine
	webhookSecret string
	limiter       *rate.Limiter
	log           *slog.Logger
	now           Clock
}

// New constructs a webhook Handler. limit/burst govern the per-process rate
// limiter guarding the endpoint against delivery storms; a zero limit
// disables rate limiting entirely.
func New(machine *issuance.Machine, webhookSecret string, limit rate.Limit, burst int, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if limit > 0 {
		limiter = rate.NewLimiter(limit, burst)
	}
	return &Handler{machine: machine, webhookSecret: webhookSecret, limiter: limiter, log: log, now: time.Now}
}

// ServeHTTP implements http.Handler. Only POST is accepted; the endpoint
// path is mounted by the caller (e.g. at /webhooks/payment-provider).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		metrics.Registry().IncWebhookFailure("rate_limited")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		metrics.Registry().IncWebhookFailure("body_too_large")
		writeJSONError(w, http.StatusBadRequest, "request body could not be read")
		return
	}

	sig := strings.TrimSpace(r.Header.Get(headerSignature))
	if sig == "" {
		sig = strings.TrimSpace(r.Header.Get(headerSignature2))
	}
	ev, err := externalsvc.ParseWebhook(body, sig, h.webhookSecret)
	if err != nil {
		metrics.Registry().IncWebhookFailure("bad_signature")
		writeJSONError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	now := h.now().UTC()
	if err := h.machine.HandleWebhook(r.Context(), ev, now); err != nil {
		if se, ok := sverrors.As(err); ok && se.Kind == sverrors.KindValidation {
			metrics.Registry().IncWebhookFailure("malformed_event")
			writeJSONError(w, http.StatusBadRequest, "malformed webhook event")
			return
		}
		// Every other failure (storage, external, conflict) leaves its event
		// re-enterable: the issuance pipeline only marks an event succeeded
		// once its handler returns cleanly, so a provider redelivery of the
		// same event_id picks the work back up instead of being dropped as a
		// duplicate. The provider still gets 200 so it doesn't redeliver
		// forever in the meantime.
		h.log.ErrorContext(r.Context(), "webhook processing failed; accepted for retry",
			"event_id", ev.ID, "event_type", ev.Type, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(reader)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
