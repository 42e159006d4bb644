package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/agents"
	"finsight/internal/report"
	"finsight/internal/session"
	"finsight/internal/tools"
	"finsight/pkg/errors"
)

const (
	roleGatherer = "data_gatherer"
	roleAnalyst  = "analyst"
	roleWriter   = "report_writer"
)

func testCatalog(t *testing.T) *agents.Catalog {
	t.Helper()

	catalog, err := agents.NewCatalog(
		&agents.Definition{
			Role:           roleGatherer,
			Capabilities:   []string{"get_quote", "get_sec_filings"},
			HandoffTargets: []string{roleAnalyst},
		},
		&agents.Definition{
			Role:           roleAnalyst,
			Capabilities:   []string{"get_quote"},
			HandoffTargets: []string{roleGatherer, roleWriter},
		},
		&agents.Definition{
			Role:           roleWriter,
			HandoffTargets: []string{roleAnalyst},
			CanFinish:      true,
		},
	)
	require.NoError(t, err)
	return catalog
}

func testRegistry(t *testing.T, extra ...tools.Tool) *tools.Registry {
	t.Helper()

	r := tools.NewRegistry(tools.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
		CacheTTL:       time.Minute,
	})
	for _, tool := range extra {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func tickerSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"ticker"},
	}
}

func countingTool(name string, payload string, calls *int) tools.Tool {
	return tools.New(name, name, "test", tickerSchema(),
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			*calls++
			return json.RawMessage(payload), nil
		})
}

func newTestSession(initialRole string) *session.Session {
	return session.New(session.Request{
		ID:      uuid.New(),
		Query:   "How is AAPL doing?",
		Tickers: []string{"AAPL"},
	}, initialRole)
}

func newOrchestrator(t *testing.T, registry *tools.Registry, reasoner agents.Reasoner, cfg Config) *Orchestrator {
	t.Helper()
	return New(testCatalog(t), registry, reasoner,
		report.NewAssembler(), nil, cfg)
}

// reasonerFunc adapts a function to the Reasoner interface.
type reasonerFunc func(ctx context.Context, def *agents.Definition, req session.Request,
	transcript []session.Turn, defs []tools.Definition) (*agents.Decision, error)

func (f reasonerFunc) Decide(ctx context.Context, def *agents.Definition, req session.Request,
	transcript []session.Turn, defs []tools.Definition) (*agents.Decision, error) {
	return f(ctx, def, req, transcript, defs)
}

func kinds(turns []session.Turn) []session.TurnKind {
	out := make([]session.TurnKind, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Kind)
	}
	return out
}

func TestRunQuoteAndFilingScenario(t *testing.T) {
	quoteCalls, filingCalls := 0, 0
	registry := testRegistry(t,
		countingTool("get_quote", `{"price":200}`, &quoteCalls),
		countingTool("get_sec_filings", `[{"form":"10-K"}]`, &filingCalls),
	)

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: json.RawMessage(`{"ticker":"AAPL"}`)}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_sec_filings", Args: json.RawMessage(`{"ticker":"AAPL"}`)}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: roleAnalyst}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideFinding, Section: "Price Action", Content: "Trading near 200."}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: roleWriter}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideFinish, Content: "report ready"}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 20, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusCompleted, sess.Status())
	assert.Equal(t, 1, quoteCalls)
	assert.Equal(t, 1, filingCalls)

	assert.Equal(t, []session.TurnKind{
		session.TurnToolCall,
		session.TurnToolResult,
		session.TurnToolCall,
		session.TurnToolResult,
		session.TurnHandoff,
		session.TurnFinding,
		session.TurnHandoff,
		session.TurnFinish,
	}, kinds(sess.Transcript()))

	// Tool results resolve their calls by correlation id
	transcript := sess.Transcript()
	assert.Equal(t, transcript[0].ToolCall.CorrelationID, transcript[1].ToolResult.CorrelationID)
	assert.Equal(t, transcript[2].ToolCall.CorrelationID, transcript[3].ToolResult.CorrelationID)

	artifact := sess.Artifact()
	require.NotNil(t, artifact)
	assert.Contains(t, artifact.Markdown, "## Price Action")
	assert.Contains(t, artifact.Markdown, "get_quote")
}

func TestRunCapabilityViolation(t *testing.T) {
	calls := 0
	registry := testRegistry(t, countingTool("get_quote", `{}`, &calls))

	// The writer role has no tool capabilities at all
	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: json.RawMessage(`{"ticker":"AAPL"}`)}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleWriter)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureCapabilityViolation, sess.Failure().Kind)
	assert.Equal(t, 0, calls, "rejected call must never reach the tool")

	// The offending call is still recorded and referenced by the failure
	transcript := sess.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, session.TurnToolCall, transcript[0].Kind)
	assert.Equal(t, transcript[0].ID, sess.Failure().TurnID)
}

func TestRunUnknownTool(t *testing.T) {
	registry := testRegistry(t) // get_quote is in capabilities but not registered

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: json.RawMessage(`{"ticker":"AAPL"}`)}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureUnknownTool, sess.Failure().Kind)
}

func TestRunSchemaViolation(t *testing.T) {
	calls := 0
	registry := testRegistry(t, countingTool("get_quote", `{}`, &calls))

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: json.RawMessage(`{"ticker":42}`)}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureSchemaViolation, sess.Failure().Kind)
	assert.Equal(t, 0, calls)
}

func TestRunIllegalHandoff(t *testing.T) {
	registry := testRegistry(t)

	// The gatherer may only hand off to the analyst
	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: roleWriter}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureIllegalHandoff, sess.Failure().Kind)

	// The active role never changed
	assert.Equal(t, roleGatherer, sess.Active())
}

func TestRunTurnBudget(t *testing.T) {
	registry := testRegistry(t)

	// The script repeats its last step, so the session never finishes
	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideMessage, Content: "thinking..."}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 5, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureBudgetExceeded, sess.Failure().Kind)

	// Exactly MaxTurns reasoning steps ran before termination
	assert.Equal(t, 5, sess.Len())
}

func TestRunWallClockBudget(t *testing.T) {
	registry := testRegistry(t)

	reasoner := reasonerFunc(func(ctx context.Context, def *agents.Definition, req session.Request,
		transcript []session.Turn, defs []tools.Definition) (*agents.Decision, error) {
		time.Sleep(5 * time.Millisecond)
		return &agents.Decision{Kind: agents.DecideMessage, Content: "still working"}, nil
	})

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 100000, WallClockBudget: 25 * time.Millisecond})
	sess := newTestSession(roleGatherer)

	done := make(chan struct{})
	go func() {
		orch.Run(context.Background(), sess)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after wall clock budget")
	}

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureBudgetExceeded, sess.Failure().Kind)
}

func TestRunSessionCacheDeduplicatesCalls(t *testing.T) {
	calls := 0
	registry := testRegistry(t, countingTool("get_quote", `{"price":200}`, &calls))

	args := json.RawMessage(`{"ticker":"AAPL"}`)
	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: args}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: args}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: roleAnalyst}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: roleWriter}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideFinish}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 20, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusCompleted, sess.Status())
	assert.Equal(t, 1, calls, "identical call within a session must hit the cache")

	// Both calls got their own result turn with matching correlation ids
	transcript := sess.Transcript()
	assert.Equal(t, transcript[0].ToolCall.CorrelationID, transcript[1].ToolResult.CorrelationID)
	assert.Equal(t, transcript[2].ToolCall.CorrelationID, transcript[3].ToolResult.CorrelationID)
	assert.JSONEq(t, string(transcript[1].ToolResult.Payload), string(transcript[3].ToolResult.Payload))
}

func TestRunTransientFailureRecovers(t *testing.T) {
	attempts := 0
	flaky := tools.New("get_quote", "quote", "test", tickerSchema(),
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts < 3 {
				return nil, tools.Transient(errors.New("connection reset"))
			}
			return json.RawMessage(`{"price":200}`), nil
		})
	registry := testRegistry(t, flaky)

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: json.RawMessage(`{"ticker":"AAPL"}`)}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: roleAnalyst}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideHandoff, Target: roleWriter}},
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideFinish}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 20, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusCompleted, sess.Status())
	assert.Equal(t, 3, attempts)

	// Retries stay inside the registry: one call, one result
	transcript := sess.Transcript()
	assert.Equal(t, session.TurnToolCall, transcript[0].Kind)
	assert.Equal(t, session.TurnToolResult, transcript[1].Kind)
	assert.True(t, transcript[1].ToolResult.OK)
	assert.Equal(t, 3, transcript[1].ToolResult.Attempts)
}

func TestRunToolUnavailableAfterRetries(t *testing.T) {
	attempts := 0
	down := tools.New("get_quote", "quote", "test", tickerSchema(),
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			attempts++
			return nil, tools.Transient(errors.New("connection refused"))
		})
	registry := testRegistry(t, down)

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: json.RawMessage(`{"ticker":"AAPL"}`)}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureToolUnavailable, sess.Failure().Kind)
	assert.Equal(t, 3, attempts)

	// The failed result turn is still recorded for the transcript
	transcript := sess.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, session.TurnToolResult, transcript[1].Kind)
	assert.False(t, transcript[1].ToolResult.OK)
}

func TestRunCancellationWhileWaitingOnTool(t *testing.T) {
	started := make(chan struct{})
	blocking := tools.New("get_quote", "quote", "test", tickerSchema(),
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	registry := testRegistry(t, blocking)

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideToolCall, Tool: "get_quote", Args: json.RawMessage(`{"ticker":"AAPL"}`)}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	done := make(chan struct{})
	go func() {
		orch.Run(context.Background(), sess)
		close(done)
	}()

	<-started
	assert.Equal(t, session.StatusWaitingOnTool, sess.Status())
	sess.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after cancel")
	}

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureCancelled, sess.Failure().Kind)
}

func TestRunObservesCancelBeforeStart(t *testing.T) {
	registry := testRegistry(t)

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideMessage, Content: "working"}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 100, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	// Cancel lands before the run loop registers its hook
	sess.Cancel()
	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureCancelled, sess.Failure().Kind)
	assert.Equal(t, 0, sess.Len())
}

func TestRunReasoningUnavailable(t *testing.T) {
	registry := testRegistry(t)

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Err: errors.Wrap(errors.ErrReasoningUnavailable, "after 4 attempts")},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureReasoningUnavailable, sess.Failure().Kind)
}

func TestRunFinishFromUnauthorizedRole(t *testing.T) {
	registry := testRegistry(t)

	reasoner := agents.NewScriptReasoner(
		agents.ScriptStep{Decision: &agents.Decision{Kind: agents.DecideFinish, Content: "premature"}},
	)

	orch := newOrchestrator(t, registry, reasoner, Config{MaxTurns: 10, WallClockBudget: time.Minute})
	sess := newTestSession(roleGatherer)

	orch.Run(context.Background(), sess)

	assert.Equal(t, session.StatusFailed, sess.Status())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, FailureCapabilityViolation, sess.Failure().Kind)
	assert.Nil(t, sess.Artifact())
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	registry := testRegistry(t)

	release := make(chan struct{})
	reasoner := reasonerFunc(func(ctx context.Context, def *agents.Definition, req session.Request,
		transcript []session.Turn, defs []tools.Definition) (*agents.Decision, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &agents.Decision{Kind: agents.DecideFinish}, nil
	})

	catalog, err := agents.NewCatalog(&agents.Definition{Role: roleWriter, CanFinish: true})
	require.NoError(t, err)
	orch := New(catalog, registry, reasoner, report.NewAssembler(), nil,
		Config{MaxTurns: 10, WallClockBudget: time.Minute})
	runner := NewRunner(orch, 2)

	first := newTestSession(roleWriter)
	second := newTestSession(roleWriter)
	third := newTestSession(roleWriter)

	require.NoError(t, runner.Launch(context.Background(), first))
	require.NoError(t, runner.Launch(context.Background(), second))

	err = runner.Launch(context.Background(), third)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimitExceeded))

	close(release)
	runner.Wait()

	assert.Equal(t, session.StatusCompleted, first.Status())
	assert.Equal(t, session.StatusCompleted, second.Status())
}
