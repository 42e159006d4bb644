package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/agents"
	"finsight/internal/orchestrator"
	"finsight/internal/report"
	"finsight/internal/session"
	"finsight/internal/tools"
)

func testHandler(t *testing.T, reasoner agents.Reasoner) (*SessionHandler, *session.Store) {
	t.Helper()

	catalog, err := agents.DefaultCatalog()
	require.NoError(t, err)

	registry := tools.NewRegistry(tools.DefaultRetryConfig())
	orch := orchestrator.New(catalog, registry, reasoner, report.NewAssembler(), nil,
		orchestrator.Config{MaxTurns: 10, WallClockBudget: time.Minute})

	store := session.NewStore(time.Hour)
	runner := orchestrator.NewRunner(orch, 4)

	return NewSessionHandler(context.Background(), store, runner), store
}

func finishingReasoner() agents.Reasoner {
	return agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: agents.RoleAnalyst}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideFinding, Section: "Summary", Content: "Looks fine."}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: agents.RoleReportWriter}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideFinish, Content: "done"}},
	)
}

func createSession(t *testing.T, h *SessionHandler, body string) sessionSummary {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleCreate(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var out sessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func waitForTerminal(t *testing.T, store *session.Store, id uuid.UUID) *session.Session {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.Get(id)
		require.NoError(t, err)
		if sess.Status().Terminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("session did not reach a terminal state")
	return nil
}

func pathRequest(method, path, id string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.SetPathValue("id", id)
	return req
}

func TestCreateAndPollSession(t *testing.T) {
	h, store := testHandler(t, finishingReasoner())

	created := createSession(t, h, `{"query":"How is AAPL doing?","tickers":["AAPL"]}`)
	assert.NotEqual(t, uuid.Nil, created.ID)

	sess := waitForTerminal(t, store, created.ID)
	assert.Equal(t, session.StatusCompleted, sess.Status())

	rec := httptest.NewRecorder()
	h.HandleGet(rec, pathRequest(http.MethodGet, "/v1/sessions/"+created.ID.String(), created.ID.String()))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, created.ID, snap.ID)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.NotEmpty(t, snap.Turns)
}

func TestCreateSessionValidation(t *testing.T) {
	h, _ := testHandler(t, finishingReasoner())

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"missing query", `{"tickers":["AAPL"]}`},
		{"malformed json", `{"query":`},
		{"bad from date", `{"query":"q","from":"yesterday"}`},
		{"bad to date", `{"query":"q","to":"2026-13-40"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.HandleCreate(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestReportEndpoint(t *testing.T) {
	h, store := testHandler(t, finishingReasoner())

	created := createSession(t, h, `{"query":"How is AAPL doing?","tickers":["AAPL"]}`)
	waitForTerminal(t, store, created.ID)

	rec := httptest.NewRecorder()
	h.HandleReport(rec, pathRequest(http.MethodGet, "/v1/sessions/x/report", created.ID.String()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Body.String(), "## Summary")
}

func TestReportBeforeCompletion(t *testing.T) {
	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideMessage, Content: "working"}},
	)

	h, _ := testHandler(t, reasoner)

	created := createSession(t, h, `{"query":"slow one"}`)

	rec := httptest.NewRecorder()
	h.HandleReport(rec, pathRequest(http.MethodGet, "/v1/sessions/x/report", created.ID.String()))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionNotFound(t *testing.T) {
	h, _ := testHandler(t, finishingReasoner())

	rec := httptest.NewRecorder()
	h.HandleGet(rec, pathRequest(http.MethodGet, "/v1/sessions/x", uuid.New().String()))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleGet(rec, pathRequest(http.MethodGet, "/v1/sessions/x", "not-a-uuid"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelSession(t *testing.T) {
	// A reasoner that never finishes until cancelled
	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideMessage, Content: "working"}},
	)

	catalog, err := agents.DefaultCatalog()
	require.NoError(t, err)
	registry := tools.NewRegistry(tools.DefaultRetryConfig())
	orch := orchestrator.New(catalog, registry, slowReasoner{reasoner}, report.NewAssembler(), nil,
		orchestrator.Config{MaxTurns: 100000, WallClockBudget: time.Minute})
	store := session.NewStore(time.Hour)
	h := NewSessionHandler(context.Background(), store, orchestrator.NewRunner(orch, 4))

	created := createSession(t, h, `{"query":"long running"}`)

	rec := httptest.NewRecorder()
	h.HandleCancel(rec, pathRequest(http.MethodPost, "/v1/sessions/x/cancel", created.ID.String()))
	require.Equal(t, http.StatusAccepted, rec.Code)

	sess := waitForTerminal(t, store, created.ID)
	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, orchestrator.FailureCancelled, sess.Failure().Kind)

	// Cancelling a terminal session conflicts
	rec = httptest.NewRecorder()
	h.HandleCancel(rec, pathRequest(http.MethodPost, "/v1/sessions/x/cancel", created.ID.String()))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	h, store := testHandler(t, finishingReasoner())

	created := createSession(t, h, `{"query":"short"}`)
	waitForTerminal(t, store, created.ID)

	rec := httptest.NewRecorder()
	h.HandleDelete(rec, pathRequest(http.MethodDelete, "/v1/sessions/x", created.ID.String()))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, store.Len())
}

// slowReasoner throttles decisions so cancellation tests have time to act.
type slowReasoner struct {
	inner agents.Reasoner
}

func (s slowReasoner) Decide(ctx context.Context, def *agents.Definition, req session.Request,
	transcript []session.Turn, defs []tools.Definition) (*agents.Decision, error) {
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
	}
	return s.inner.Decide(ctx, def, req, transcript, defs)
}
