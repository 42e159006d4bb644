package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"finsight/pkg/errors"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning       Status = "running"
	StatusWaitingOnTool Status = "waiting_on_tool"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is one user request. Immutable after creation.
type Request struct {
	ID        uuid.UUID `json:"id"`
	Query     string    `json:"query"`
	Tickers   []string  `json:"tickers,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnKind classifies a transcript entry.
type TurnKind string

const (
	// TurnMessage is free-form agent output with no control effect
	TurnMessage TurnKind = "message"
	// TurnToolCall requests one external capability invocation
	TurnToolCall TurnKind = "tool_call"
	// TurnToolResult carries the resolution of exactly one ToolCall
	TurnToolResult TurnKind = "tool_result"
	// TurnHandoff transfers the active role to another agent
	TurnHandoff TurnKind = "handoff"
	// TurnFinding is structured analysis output collected into the report
	TurnFinding TurnKind = "finding"
	// TurnFinish signals the session is complete
	TurnFinish TurnKind = "finish"
)

// ToolCall describes one requested tool invocation.
type ToolCall struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args"`
	Agent         string          `json:"agent"`
}

// ToolResult resolves the ToolCall with the same correlation id.
type ToolResult struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	OK            bool            `json:"ok"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	Latency       time.Duration   `json:"latency"`
	Attempts      int             `json:"attempts"`
}

// Turn is one immutable transcript entry.
type Turn struct {
	ID         uuid.UUID   `json:"id"`
	Author     string      `json:"author"`
	Kind       TurnKind    `json:"kind"`
	Content    string      `json:"content,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	// Target is the destination role for handoff turns
	Target string `json:"target,omitempty"`
	// Section is the report section title for finding turns
	Section   string    `json:"section,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureRecord explains why a session failed.
type FailureRecord struct {
	Kind    string    `json:"kind"`
	TurnID  uuid.UUID `json:"turn_id,omitempty"`
	Message string    `json:"message"`
}

// Artifact is the finalized report output attached to a completed session.
type Artifact struct {
	Markdown string `json:"markdown"`
	Rendered []byte `json:"rendered,omitempty"`
}

// Session owns the full lifecycle of one request. Only the orchestrator
// goroutine mutates a session; concurrent readers use Snapshot.
type Session struct {
	ID      uuid.UUID
	Request Request

	mu         sync.RWMutex
	transcript []Turn
	active     string
	status     Status
	failure    *FailureRecord
	artifact   *Artifact
	terminalAt time.Time
	cancel     context.CancelFunc
	cancelled  bool

	cache *toolCache
}

// New creates a session for the given request in the running state.
func New(req Request, initialRole string) *Session {
	return &Session{
		ID:      req.ID,
		Request: req,
		active:  initialRole,
		status:  StatusRunning,
		cache:   newToolCache(),
	}
}

// Append adds a turn to the transcript. The transcript is append-only;
// there is deliberately no way to rewrite or remove turns.
func (s *Session) Append(t Turn) Turn {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, t)
	s.mu.Unlock()

	return t
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Len returns the transcript length.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transcript)
}

// Active returns the role currently permitted to emit the next turn.
func (s *Session) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive switches the active role.
func (s *Session) SetActive(role string) {
	s.mu.Lock()
	s.active = role
	s.mu.Unlock()
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus moves the session between non-terminal states. Terminal
// transitions go through Complete or Fail so they always carry their record.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return
	}
	s.status = st
}

// Complete marks the session completed and attaches the finalized report.
// A session is finalized exactly once; later calls are rejected.
func (s *Session) Complete(a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return errors.Wrapf(errors.ErrAlreadyExists, "session %s already %s", s.ID, s.status)
	}

	s.status = StatusCompleted
	s.artifact = a
	s.terminalAt = time.Now()
	return nil
}

// Fail marks the session failed with an attached failure record.
// Terminal states never change afterwards.
func (s *Session) Fail(kind string, turnID uuid.UUID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return
	}

	s.status = StatusFailed
	s.failure = &FailureRecord{Kind: kind, TurnID: turnID, Message: message}
	s.terminalAt = time.Now()
}

// Failure returns the failure record, if any.
func (s *Session) Failure() *FailureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Artifact returns the finalized report artifact, if the session completed.
func (s *Session) Artifact() *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifact
}

// TerminalAt returns when the session reached a terminal state.
func (s *Session) TerminalAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminalAt
}

// SetCancel registers the cancellation hook for the running session loop.
// A cancel that arrived before the hook was registered fires immediately,
// so the loop never outlives an early cancel request.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled && cancel != nil {
		cancel()
	}
}

// Cancel aborts the running session loop. The request is latched, so it
// takes effect even when the loop has not registered its hook yet.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Cache returns the session-scoped tool result cache.
func (s *Session) Cache() *toolCache {
	return s.cache
}

// Snapshot is a read-only view of session state for API consumers.
type Snapshot struct {
	ID         uuid.UUID      `json:"id"`
	Request    Request        `json:"request"`
	Status     Status         `json:"status"`
	ActiveRole string         `json:"active_role,omitempty"`
	Turns      []Turn         `json:"turns"`
	Failure    *FailureRecord `json:"failure,omitempty"`
}

// Snapshot returns a consistent copy of the observable session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]Turn, len(s.transcript))
	copy(turns, s.transcript)

	return Snapshot{
		ID:         s.ID,
		Request:    s.Request,
		Status:     s.status,
		ActiveRole: s.active,
		Turns:      turns,
		Failure:    s.failure,
	}
}
