package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/session"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func sampleTranscript() (session.Request, []session.Turn) {
	req := session.Request{
		ID:      uuid.New(),
		Query:   "How is AAPL doing?",
		Tickers: []string{"AAPL"},
	}

	corr := uuid.New()
	turns := []session.Turn{
		{Kind: session.TurnToolCall, Author: "data_gatherer", ToolCall: &session.ToolCall{
			CorrelationID: corr,
			Tool:          "get_quote",
			Args:          json.RawMessage(`{"ticker":"AAPL"}`),
			Agent:         "data_gatherer",
		}},
		{Kind: session.TurnToolResult, Author: "data_gatherer", ToolResult: &session.ToolResult{
			CorrelationID: corr,
			OK:            true,
			Payload:       json.RawMessage(`{"price":200}`),
			Latency:       120 * time.Millisecond,
			Attempts:      1,
		}},
		{Kind: session.TurnHandoff, Author: "data_gatherer", Target: "analyst"},
		{Kind: session.TurnFinding, Author: "analyst", Section: "Price Action", Content: "Shares trade near 200."},
		{Kind: session.TurnFinding, Author: "analyst", Section: "Fundamentals", Content: "Revenue is growing."},
		{Kind: session.TurnFinding, Author: "analyst", Section: "Price Action", Content: "Momentum is positive."},
		{Kind: session.TurnHandoff, Author: "analyst", Target: "report_writer"},
		{Kind: session.TurnFinish, Author: "report_writer", Content: "done"},
	}

	return req, turns
}

func TestAssembleIsDeterministic(t *testing.T) {
	a := NewAssemblerAt(fixedClock())
	req, turns := sampleTranscript()

	first := a.Assemble(req, turns)
	second := a.Assemble(req, turns)

	assert.Equal(t, first, second)
	assert.Equal(t, first.Markdown(), second.Markdown())
}

func TestAssembleStampsFromFinishTurn(t *testing.T) {
	a := NewAssembler()
	req, turns := sampleTranscript()

	finished := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	turns[len(turns)-1].Timestamp = finished

	first := a.Assemble(req, turns)
	second := a.Assemble(req, turns)

	// Same transcript, same bytes, regardless of the wall clock
	assert.Equal(t, finished, first.GeneratedAt)
	assert.Equal(t, first.Markdown(), second.Markdown())
}

func TestAssembleSectionOrderAndMerging(t *testing.T) {
	a := NewAssemblerAt(fixedClock())
	req, turns := sampleTranscript()

	rep := a.Assemble(req, turns)

	// Sections keep first-appearance order
	require.Len(t, rep.Sections, 2)
	assert.Equal(t, "Price Action", rep.Sections[0].Title)
	assert.Equal(t, "Fundamentals", rep.Sections[1].Title)

	// Findings with the same title merge in transcript order
	assert.Contains(t, rep.Sections[0].Body, "Shares trade near 200.")
	assert.Contains(t, rep.Sections[0].Body, "Momentum is positive.")
	assert.Less(t,
		strings.Index(rep.Sections[0].Body, "Shares trade near 200."),
		strings.Index(rep.Sections[0].Body, "Momentum is positive."))

	assert.Equal(t, "analyst", rep.Sections[0].Author)
}

func TestAssembleCollectsSources(t *testing.T) {
	a := NewAssemblerAt(fixedClock())
	req, turns := sampleTranscript()

	// A failed tool result must not appear as a source
	corr := uuid.New()
	turns = append(turns,
		session.Turn{Kind: session.TurnToolCall, Author: "data_gatherer", ToolCall: &session.ToolCall{
			CorrelationID: corr, Tool: "get_news_sentiment", Agent: "data_gatherer",
		}},
		session.Turn{Kind: session.TurnToolResult, Author: "data_gatherer", ToolResult: &session.ToolResult{
			CorrelationID: corr, OK: false, Error: "unavailable",
		}},
	)

	rep := a.Assemble(req, turns)

	require.Len(t, rep.Sources, 1)
	assert.Equal(t, "get_quote", rep.Sources[0].Tool)
	assert.Equal(t, "data_gatherer", rep.Sources[0].Agent)
	assert.Equal(t, 1, rep.Sources[0].Attempts)
}

func TestMarkdownLayout(t *testing.T) {
	a := NewAssemblerAt(fixedClock())
	req, turns := sampleTranscript()

	md := a.Assemble(req, turns).Markdown()

	assert.Contains(t, md, "# Analysis Report: AAPL")
	assert.Contains(t, md, "**Tickers:** AAPL")
	assert.Contains(t, md, "## Price Action")
	assert.Contains(t, md, "## Fundamentals")
	assert.Contains(t, md, "## Data Sources")
	assert.Contains(t, md, "`get_quote` via data_gatherer (1 attempt, 120ms)")
}

func TestAssembleEmptyTranscript(t *testing.T) {
	a := NewAssemblerAt(fixedClock())
	req := session.Request{ID: uuid.New(), Query: "anything"}

	rep := a.Assemble(req, nil)
	assert.Empty(t, rep.Sections)
	assert.Empty(t, rep.Sources)
	assert.Equal(t, "Analysis Report", rep.Title)
	assert.Contains(t, rep.Markdown(), "# Analysis Report")
}

func TestFindingWithoutSectionFallsBack(t *testing.T) {
	a := NewAssemblerAt(fixedClock())
	req := session.Request{ID: uuid.New(), Query: "q"}

	rep := a.Assemble(req, []session.Turn{
		{Kind: session.TurnFinding, Author: "analyst", Content: "untitled observation"},
	})

	require.Len(t, rep.Sections, 1)
	assert.Equal(t, "Findings", rep.Sections[0].Title)
}

