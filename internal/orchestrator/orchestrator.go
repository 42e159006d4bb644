package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"finsight/internal/agents"
	"finsight/internal/metrics"
	"finsight/internal/report"
	"finsight/internal/report/render"
	"finsight/internal/session"
	"finsight/internal/tools"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// Failure kinds recorded on failed sessions.
const (
	FailureCapabilityViolation  = "capability_violation"
	FailureUnknownTool          = "unknown_tool"
	FailureIllegalHandoff       = "illegal_handoff"
	FailureSchemaViolation      = "schema_violation"
	FailureToolUnavailable      = "tool_unavailable"
	FailureReasoningUnavailable = "reasoning_unavailable"
	FailureBudgetExceeded       = "budget_exceeded"
	FailureCancelled            = "cancelled"
	FailureInternal             = "internal"
)

// Config bounds a session run.
type Config struct {
	// MaxTurns caps the number of reasoning steps per session.
	MaxTurns int
	// WallClockBudget caps total session duration.
	WallClockBudget time.Duration
}

// DefaultConfig returns the standard session budgets.
func DefaultConfig() Config {
	return Config{
		MaxTurns:        50,
		WallClockBudget: 10 * time.Minute,
	}
}

// Orchestrator advances sessions turn by turn: it asks the active agent's
// reasoner for a decision, mediates tool calls through the registry,
// validates hand-offs against the catalog and finalizes the report.
// Exactly one goroutine runs a given session.
type Orchestrator struct {
	catalog   *agents.Catalog
	registry  *tools.Registry
	reasoner  agents.Reasoner
	assembler *report.Assembler
	renderer  *render.Client
	cfg       Config
	log       *logger.Logger
}

// New constructs an orchestrator. renderer may be nil.
func New(catalog *agents.Catalog, registry *tools.Registry, reasoner agents.Reasoner,
	assembler *report.Assembler, renderer *render.Client, cfg Config) *Orchestrator {

	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultConfig().MaxTurns
	}
	if cfg.WallClockBudget <= 0 {
		cfg.WallClockBudget = DefaultConfig().WallClockBudget
	}

	return &Orchestrator{
		catalog:   catalog,
		registry:  registry,
		reasoner:  reasoner,
		assembler: assembler,
		renderer:  renderer,
		cfg:       cfg,
		log:       logger.Get().With("component", "orchestrator"),
	}
}

// Run drives the session to a terminal state. It blocks until the session
// completes, fails or the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session) {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.WallClockBudget)
	defer cancel()
	sess.SetCancel(cancel)

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	log := o.log.With("session_id", sess.ID.String())
	log.Infof("Session started: query=%q tickers=%v", sess.Request.Query, sess.Request.Tickers)

	for turn := 0; !sess.Status().Terminal(); turn++ {
		if err := runCtx.Err(); err != nil {
			o.failOnContext(sess, err)
			break
		}

		if turn >= o.cfg.MaxTurns {
			sess.Fail(FailureBudgetExceeded, uuid.Nil,
				errors.Wrapf(errors.ErrBudgetExceeded, "turn budget %d exhausted", o.cfg.MaxTurns).Error())
			break
		}

		o.step(runCtx, sess)
	}

	o.observeTerminal(sess, start, log)
}

// step runs one reasoning turn and applies the resulting decision.
func (o *Orchestrator) step(ctx context.Context, sess *session.Session) {
	role := sess.Active()

	def, err := o.catalog.Get(role)
	if err != nil {
		sess.Fail(FailureInternal, uuid.Nil, err.Error())
		return
	}

	decision, err := o.reasoner.Decide(ctx, def, sess.Request, sess.Transcript(),
		o.registry.Definitions(def.Capabilities))
	if err != nil {
		o.failOnReasoning(ctx, sess, err)
		return
	}

	switch decision.Kind {
	case agents.DecideMessage:
		sess.Append(session.Turn{
			Author:  role,
			Kind:    session.TurnMessage,
			Content: decision.Content,
		})

	case agents.DecideFinding:
		sess.Append(session.Turn{
			Author:  role,
			Kind:    session.TurnFinding,
			Section: decision.Section,
			Content: decision.Content,
		})

	case agents.DecideHandoff:
		o.applyHandoff(sess, def, decision)

	case agents.DecideToolCall:
		o.applyToolCall(ctx, sess, def, decision)

	case agents.DecideFinish:
		o.applyFinish(ctx, sess, def, decision)

	default:
		sess.Fail(FailureInternal, uuid.Nil, "unknown decision kind "+string(decision.Kind))
	}
}

func (o *Orchestrator) applyHandoff(sess *session.Session, def *agents.Definition, d *agents.Decision) {
	if !def.CanHandoff(d.Target) {
		turn := sess.Append(session.Turn{
			Author:  def.Role,
			Kind:    session.TurnHandoff,
			Target:  d.Target,
			Content: d.Content,
		})
		sess.Fail(FailureIllegalHandoff, turn.ID,
			errors.Wrapf(errors.ErrIllegalHandoff, "%s -> %s", def.Role, d.Target).Error())
		return
	}

	sess.Append(session.Turn{
		Author:  def.Role,
		Kind:    session.TurnHandoff,
		Target:  d.Target,
		Content: d.Content,
	})
	sess.SetActive(d.Target)

	o.log.Debugf("Handoff: session=%s %s -> %s", sess.ID, def.Role, d.Target)
}

func (o *Orchestrator) applyToolCall(ctx context.Context, sess *session.Session,
	def *agents.Definition, d *agents.Decision) {

	call := &session.ToolCall{
		CorrelationID: uuid.New(),
		Tool:          d.Tool,
		Args:          d.Args,
		Agent:         def.Role,
	}
	callTurn := sess.Append(session.Turn{
		Author:   def.Role,
		Kind:     session.TurnToolCall,
		ToolCall: call,
	})

	if !def.CanCall(d.Tool) {
		sess.Fail(FailureCapabilityViolation, callTurn.ID,
			errors.Wrapf(errors.ErrCapabilityViolation, "role %s may not call %s", def.Role, d.Tool).Error())
		return
	}

	key := session.CacheKey(d.Tool, call.Args)
	if cached, ok := sess.Cache().Get(key); ok {
		result := *cached
		result.CorrelationID = call.CorrelationID
		sess.Append(session.Turn{
			Author:     def.Role,
			Kind:       session.TurnToolResult,
			ToolResult: &result,
		})
		metrics.ToolCacheHits.WithLabelValues(d.Tool, "session").Inc()
		o.log.Debugf("Session cache hit: session=%s tool=%s", sess.ID, d.Tool)
		return
	}

	sess.SetStatus(session.StatusWaitingOnTool)
	res, err := o.registry.Invoke(ctx, d.Tool, call.Args)
	sess.SetStatus(session.StatusRunning)

	if err != nil {
		switch {
		case errors.Is(err, errors.ErrUnknownTool):
			sess.Fail(FailureUnknownTool, callTurn.ID, err.Error())
		case errors.Is(err, errors.ErrSchemaViolation):
			sess.Fail(FailureSchemaViolation, callTurn.ID, err.Error())
		case errors.Is(err, errors.ErrCancelled) || ctx.Err() != nil:
			o.failOnContext(sess, ctx.Err())
		default:
			// Retries are exhausted inside the registry, so any remaining
			// failure means the capability is out of service.
			result := &session.ToolResult{
				CorrelationID: call.CorrelationID,
				OK:            false,
				Error:         err.Error(),
			}
			if res != nil {
				result.Latency = res.Latency
				result.Attempts = res.Attempts
			}
			turn := sess.Append(session.Turn{
				Author:     def.Role,
				Kind:       session.TurnToolResult,
				ToolResult: result,
			})
			sess.Fail(FailureToolUnavailable, turn.ID,
				errors.Wrapf(errors.ErrToolUnavailable, "tool %s: %v", d.Tool, err).Error())
		}
		return
	}

	result := &session.ToolResult{
		CorrelationID: call.CorrelationID,
		OK:            true,
		Payload:       res.Payload,
		Latency:       res.Latency,
		Attempts:      res.Attempts,
	}
	sess.Append(session.Turn{
		Author:     def.Role,
		Kind:       session.TurnToolResult,
		ToolResult: result,
	})
	sess.Cache().Put(key, result)
}

func (o *Orchestrator) applyFinish(ctx context.Context, sess *session.Session,
	def *agents.Definition, d *agents.Decision) {

	if !def.CanFinish {
		sess.Fail(FailureCapabilityViolation, uuid.Nil,
			errors.Wrapf(errors.ErrCapabilityViolation, "role %s may not finish the session", def.Role).Error())
		return
	}

	finishTurn := sess.Append(session.Turn{
		Author:  def.Role,
		Kind:    session.TurnFinish,
		Content: d.Content,
	})

	rep := o.assembler.Assemble(sess.Request, sess.Transcript())
	artifact := &session.Artifact{Markdown: rep.Markdown()}

	if o.renderer != nil {
		rendered, err := o.renderer.Render(ctx, artifact.Markdown)
		if err != nil {
			// Rendering is best-effort; the Markdown artifact stands alone.
			o.log.Warnf("Report render failed: session=%s error=%v", sess.ID, err)
		} else {
			artifact.Rendered = rendered
		}
	}

	if err := sess.Complete(artifact); err != nil {
		o.log.Errorf("Finalize session %s at turn %s: %v", sess.ID, finishTurn.ID, err)
	}
}

func (o *Orchestrator) failOnReasoning(ctx context.Context, sess *session.Session, err error) {
	switch {
	case errors.Is(err, errors.ErrCancelled) || ctx.Err() != nil:
		o.failOnContext(sess, ctx.Err())
	case errors.Is(err, errors.ErrReasoningUnavailable):
		sess.Fail(FailureReasoningUnavailable, uuid.Nil, err.Error())
	default:
		sess.Fail(FailureInternal, uuid.Nil, err.Error())
	}
}

// failOnContext distinguishes the wall-clock budget from explicit
// cancellation: a deadline is a budget failure, anything else is a cancel.
func (o *Orchestrator) failOnContext(sess *session.Session, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		sess.Fail(FailureBudgetExceeded, uuid.Nil,
			errors.Wrapf(errors.ErrBudgetExceeded, "wall clock budget %s exhausted", o.cfg.WallClockBudget).Error())
		return
	}

	sess.Fail(FailureCancelled, uuid.Nil, errors.Wrap(errors.ErrCancelled, "session aborted").Error())
}

func (o *Orchestrator) observeTerminal(sess *session.Session, start time.Time, log *logger.Logger) {
	status := string(sess.Status())
	duration := time.Since(start)

	failureKind := ""
	if f := sess.Failure(); f != nil {
		failureKind = f.Kind
	}

	metrics.SessionsTerminal.WithLabelValues(status, failureKind).Inc()
	metrics.SessionDuration.WithLabelValues(status).Observe(duration.Seconds())
	metrics.SessionTurns.Observe(float64(sess.Len()))

	if failureKind != "" {
		log.Warnf("Session failed: status=%s kind=%s turns=%d duration=%s",
			status, failureKind, sess.Len(), duration.Round(time.Millisecond))
		return
	}

	log.Infof("Session finished: status=%s turns=%d duration=%s",
		status, sess.Len(), duration.Round(time.Millisecond))
}
