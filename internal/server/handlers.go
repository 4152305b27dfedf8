package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"git.home.luguber.info/inful/bookpub/internal/config"
	"git.home.luguber.info/inful/bookpub/internal/history"
	"git.home.luguber.info/inful/bookpub/internal/lock"
	"git.home.luguber.info/inful/bookpub/internal/logfields"
	"git.home.luguber.info/inful/bookpub/internal/metrics"
	"git.home.luguber.info/inful/bookpub/internal/queue"
	"git.home.luguber.info/inful/bookpub/internal/source"
	"git.home.luguber.info/inful/bookpub/internal/status"
)

// TriggerResponse is the JSON body for build trigger requests.
type TriggerResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// StatusResponse extends the evaluated status with the last durable outcome
// from history, which survives log truncation by later builds.
type StatusResponse struct {
	status.BuildStatus
	LastOutcome   string    `json:"last_outcome,omitempty"`
	LastOutcomeAt time.Time `json:"last_outcome_at,omitzero"`
}

// Handlers serves the trigger and status endpoints.
type Handlers struct {
	cfg       *config.Config
	queue     *queue.Queue
	providers *source.Registry
	history   *history.Store
	metrics   metrics.Recorder
}

// NewHandlers wires the HTTP handlers. history may be nil.
func NewHandlers(cfg *config.Config, q *queue.Queue, providers *source.Registry, h *history.Store, rec metrics.Recorder) *Handlers {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Handlers{cfg: cfg, queue: q, providers: providers, history: h, metrics: rec}
}

// HandleTrigger validates the remote repository and enqueues a build.
// POST /update/{service}/{owner}/{book}
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	h.metrics.HTTPRequest("trigger")

	identity, ok := h.identityFromRequest(w, r)
	if !ok {
		return
	}

	provider, err := h.providers.Lookup(identity.Service)
	if err != nil {
		slog.Debug("Trigger for unknown source service", logfields.Service(identity.Service))
		writeJSON(w, http.StatusNotFound, TriggerResponse{Status: "rejected", Message: err.Error()})
		return
	}

	info, err := provider.Stat(r.Context(), identity.ID)
	if err != nil {
		slog.Warn("Remote repository check failed", logfields.Book(identity.Key()), logfields.Error(err))
		writeJSON(w, http.StatusBadGateway, TriggerResponse{Status: "rejected", Message: "could not check remote repository"})
		return
	}
	if !info.Exists {
		writeJSON(w, http.StatusNotFound, TriggerResponse{Status: "rejected", Message: "no such repository"})
		return
	}
	if info.SizeKB > h.cfg.Source.MaxRepoSizeKB {
		writeJSON(w, http.StatusRequestEntityTooLarge, TriggerResponse{Status: "rejected", Message: "repository is too large"})
		return
	}

	// Pre-check the on-disk lock so a build owned by another process is
	// reported without enqueuing. A stale lock does not block; the
	// orchestrator breaks it at acquire time.
	ws := book.NewWorkspace(h.cfg.BuildRoot, h.cfg.PublishRoot, identity)
	if h.lockIsFresh(ws.LockPath()) {
		writeJSON(w, http.StatusConflict, TriggerResponse{Status: "already-running"})
		return
	}

	job, err := h.queue.Submit(identity, provider.RepoURL(identity.ID))
	if errors.Is(err, queue.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, TriggerResponse{Status: "already-running"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, TriggerResponse{Status: "rejected", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "accepted", JobID: job.ID})
}

// HandleStatus reports the current build status for a book.
// GET /update/{service}/{owner}/{book}/status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.metrics.HTTPRequest("status")

	identity, ok := h.identityFromRequest(w, r)
	if !ok {
		return
	}

	ws := book.NewWorkspace(h.cfg.BuildRoot, h.cfg.PublishRoot, identity)
	st, err := status.Query(ws, h.cfg.PublicBaseURL)
	if err != nil {
		slog.Error("Status query failed", logfields.Book(identity.Key()), logfields.Error(err))
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{BuildStatus: st}
	if h.history != nil {
		if rec, err := h.history.LastOutcome(r.Context(), identity.Key()); err == nil && rec != nil {
			resp.LastOutcome = rec.EventType
			resp.LastOutcomeAt = rec.Timestamp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealthz is a liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) identityFromRequest(w http.ResponseWriter, r *http.Request) (book.Identity, bool) {
	service := r.PathValue("service")
	bookID := r.PathValue("owner") + "/" + r.PathValue("book")
	identity, err := book.NewIdentity(service, bookID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, TriggerResponse{Status: "rejected", Message: err.Error()})
		return book.Identity{}, false
	}
	return identity, true
}

func (h *Handlers) lockIsFresh(lockPath string) bool {
	if !lock.Held(lockPath) {
		return false
	}
	if h.cfg.Lock.StaleAfter.Std() <= 0 {
		return true
	}
	info, err := lock.Inspect(lockPath)
	if err != nil {
		return true
	}
	return time.Since(info.AcquiredAt) < h.cfg.Lock.StaleAfter.Std()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", logfields.Error(err))
	}
}
