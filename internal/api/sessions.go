package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"finsight/internal/agents"
	"finsight/internal/orchestrator"
	"finsight/internal/session"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// SessionHandler exposes the session lifecycle over HTTP.
type SessionHandler struct {
	// baseCtx scopes launched sessions to the application lifetime, not
	// the HTTP request that created them.
	baseCtx context.Context
	store   *session.Store
	runner  *orchestrator.Runner
	log     *logger.Logger
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(baseCtx context.Context, store *session.Store, runner *orchestrator.Runner) *SessionHandler {
	return &SessionHandler{
		baseCtx: baseCtx,
		store:   store,
		runner:  runner,
		log:     logger.Get().With("component", "session_api"),
	}
}

type createSessionRequest struct {
	Query   string   `json:"query"`
	Tickers []string `json:"tickers,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
}

type sessionSummary struct {
	ID      uuid.UUID              `json:"id"`
	Status  session.Status         `json:"status"`
	Active  string                 `json:"active_role,omitempty"`
	Turns   int                    `json:"turns"`
	Failure *session.FailureRecord `json:"failure,omitempty"`
}

// HandleCreate accepts a research request and launches its session.
// The session runs in the background; clients poll for the outcome.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	req := session.Request{
		ID:        uuid.New(),
		Query:     in.Query,
		Tickers:   in.Tickers,
		CreatedAt: time.Now(),
	}
	if in.From != "" {
		from, err := time.Parse("2006-01-02", in.From)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be a YYYY-MM-DD date")
			return
		}
		req.From = from
	}
	if in.To != "" {
		to, err := time.Parse("2006-01-02", in.To)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be a YYYY-MM-DD date")
			return
		}
		req.To = to
	}

	sess, err := h.store.Create(req, agents.RoleDataGatherer)
	if err != nil {
		h.log.Errorf("Create session failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	if err := h.runner.Launch(h.baseCtx, sess); err != nil {
		h.store.Delete(sess.ID)
		if errors.Is(err, errors.ErrRateLimitExceeded) {
			writeError(w, http.StatusServiceUnavailable, "session capacity reached, retry later")
			return
		}
		h.log.Errorf("Launch session failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}

	h.log.Infof("Session accepted: id=%s query=%q", sess.ID, in.Query)
	writeJSON(w, http.StatusAccepted, summarize(sess))
}

// HandleGet returns the full observable state of a session.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// HandleReport serves the finalized Markdown report.
func (h *SessionHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	artifact := sess.Artifact()
	if artifact == nil {
		writeError(w, http.StatusConflict, "session has no report: status "+string(sess.Status()))
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(artifact.Markdown))
}

// HandleCancel aborts a running session.
func (h *SessionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if sess.Status().Terminal() {
		writeError(w, http.StatusConflict, "session already "+string(sess.Status()))
		return
	}

	sess.Cancel()
	h.log.Infof("Session cancel requested: id=%s", sess.ID)
	writeJSON(w, http.StatusAccepted, summarize(sess))
}

// HandleDelete removes a session from the store.
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	sess.Cancel()
	h.store.Delete(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}

	sess, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}

	return sess, true
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		ID:      sess.ID,
		Status:  sess.Status(),
		Active:  sess.Active(),
		Turns:   sess.Len(),
		Failure: sess.Failure(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
