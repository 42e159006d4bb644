package agents

import (
	"context"
	"encoding/json"

	"finsight/internal/session"
	"finsight/internal/tools"
)

// DecisionKind classifies what the active agent chose to do next.
type DecisionKind string

const (
	DecideMessage  DecisionKind = "message"
	DecideToolCall DecisionKind = "tool_call"
	DecideHandoff  DecisionKind = "handoff"
	DecideFinding  DecisionKind = "finding"
	DecideFinish   DecisionKind = "finish"
)

// Decision is the outcome of one reasoning step.
type Decision struct {
	Kind DecisionKind

	// Content carries the message, finding body or finish summary.
	Content string

	// Section names the report section for finding decisions.
	Section string

	// Tool and Args describe a tool call decision.
	Tool string
	Args json.RawMessage

	// Target is the destination role for handoff decisions.
	Target string
}

// Reasoner produces the next decision for the active agent given the
// request and the transcript so far.
type Reasoner interface {
	Decide(ctx context.Context, def *Definition, req session.Request,
		transcript []session.Turn, toolDefs []tools.Definition) (*Decision, error)
}

// ScriptReasoner replays a fixed sequence of decisions. It backs tests
// that need a deterministic agent.
type ScriptReasoner struct {
	decisions []*Decision
	errs      []error
	pos       int
}

// NewScriptReasoner builds a reasoner returning the given steps in order.
// A step with a non-nil error yields that error instead of a decision.
func NewScriptReasoner(steps ...ScriptStep) *ScriptReasoner {
	r := &ScriptReasoner{}
	for _, s := range steps {
		r.decisions = append(r.decisions, s.Decision)
		r.errs = append(r.errs, s.Err)
	}
	return r
}

// ScriptStep is one scripted reasoning outcome.
type ScriptStep struct {
	Decision *Decision
	Err      error
}

// Decide returns the next scripted step. Past the end of the script it
// keeps returning the final step.
func (r *ScriptReasoner) Decide(_ context.Context, _ *Definition, _ session.Request,
	_ []session.Turn, _ []tools.Definition) (*Decision, error) {
	i := r.pos
	if i >= len(r.decisions) {
		i = len(r.decisions) - 1
	} else {
		r.pos++
	}

	if r.errs[i] != nil {
		return nil, r.errs[i]
	}
	return r.decisions[i], nil
}
