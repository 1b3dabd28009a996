// Package download exposes the HTTP adapter that serves a minted
// certificate back to the buyer once a download token has been issued.
package download

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sovereignchain/core/issuance"
	"sovereignchain/pkg/sverrors"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Handler serves certificates by download token, mounted under a prefix
// such as /downloads/.
type Handler struct {
	machine *issuance.Machine
	log     *slog.Logger
	now     Clock
}

// New constructs a download Handler.
func New(machine *issuance.Machine, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{machine: machine, log: log, now: time.Now}
}

// ServeHTTP implements http.Handler. Only GET is accepted; the token is the
// final path segment after the mounted prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/downloads/")
	token = strings.Trim(token, "/")
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "download token is required")
		return
	}

	now := h.now().UTC()
	iss, err := h.machine.GetByDownloadToken(r.Context(), token, now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := h.machine.Fetch(r.Context(), iss)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+iss.Namespace+".cert.json\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if se, ok := sverrors.As(err); ok {
		status := sverrors.HTTPStatus(se.Kind)
		if status >= 500 {
			h.log.ErrorContext(r.Context(), "download request failed", "error", err)
		}
		writeJSONError(w, status, se.Message)
		return
	}
	h.log.ErrorContext(r.Context(), "download request failed with unclassified error", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
