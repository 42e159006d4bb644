package agents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"finsight/internal/adapters/ai"
	"finsight/internal/metrics"
	"finsight/internal/session"
	"finsight/internal/tools"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
	"finsight/pkg/templates"
)

// Control tool names injected alongside the role's capability set. The
// model steers the session by calling them like any other function.
const (
	controlHandoff = "handoff"
	controlFinding = "record_finding"
	controlFinish  = "finish"
)

// LLMReasoner drives agent decisions through a chat completion provider.
type LLMReasoner struct {
	provider    ai.ChatProvider
	model       string
	temperature float64
	maxTokens   int
	retries     int
	log         *logger.Logger
}

// LLMConfig configures the reasoner.
type LLMConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// Retries is the number of additional attempts after a retryable
	// chat failure before the step is declared unavailable.
	Retries int
}

// NewLLMReasoner constructs a reasoner over the given provider.
func NewLLMReasoner(provider ai.ChatProvider, cfg LLMConfig) *LLMReasoner {
	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	return &LLMReasoner{
		provider:    provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		retries:     retries,
		log:         logger.Get().With("component", "llm_reasoner"),
	}
}

// Decide runs one reasoning step for the active role. Retryable provider
// failures are retried with exponential backoff; exhaustion surfaces as a
// reasoning-unavailable error.
func (r *LLMReasoner) Decide(ctx context.Context, def *Definition, req session.Request,
	transcript []session.Turn, toolDefs []tools.Definition) (*Decision, error) {

	chatReq, err := r.buildRequest(def, req, transcript, toolDefs)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := r.chatWithRetry(ctx, *chatReq)
	metrics.ReasoningLatency.WithLabelValues(def.Role).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ReasoningCalls.WithLabelValues(def.Role, "error").Inc()
		return nil, err
	}

	metrics.ReasoningCalls.WithLabelValues(def.Role, "success").Inc()
	metrics.ReasoningTokens.WithLabelValues(def.Role, "input").Add(float64(resp.Usage.PromptTokens))
	metrics.ReasoningTokens.WithLabelValues(def.Role, "output").Add(float64(resp.Usage.CompletionTokens))

	return r.parse(def, resp)
}

func (r *LLMReasoner) chatWithRetry(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0

	attempts := 0
	var resp *ai.ChatResponse

	operation := func() error {
		attempts++
		out, err := r.provider.Chat(ctx, req)
		if err != nil {
			if ai.IsRetryable(err) && ctx.Err() == nil {
				r.log.Warnf("Chat attempt %d/%d failed: %v", attempts, r.retries+1, err)
				return err
			}
			return backoff.Permanent(err)
		}
		resp = out
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.retries)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrCancelled, "reasoning aborted")
		}
		return nil, errors.Wrapf(errors.ErrReasoningUnavailable, "after %d attempts: %v", attempts, err)
	}

	return resp, nil
}

func (r *LLMReasoner) buildRequest(def *Definition, req session.Request,
	transcript []session.Turn, toolDefs []tools.Definition) (*ai.ChatRequest, error) {

	tmpl, err := templates.Get().GetTemplate(def.PromptTemplate)
	if err != nil {
		return nil, errors.Wrapf(err, "prompt template for role %s", def.Role)
	}

	system, err := tmpl.Render(map[string]interface{}{
		"Role":        def.Role,
		"Description": def.Description,
		"Query":       req.Query,
		"Tickers":     strings.Join(req.Tickers, ", "),
		"Handoffs":    strings.Join(def.HandoffTargets, ", "),
		"CanFinish":   def.CanFinish,
	})
	if err != nil {
		return nil, err
	}

	messages := []ai.Message{
		{Role: ai.RoleSystem, Content: system},
		{Role: ai.RoleUser, Content: req.Query},
	}
	messages = append(messages, transcriptMessages(transcript)...)

	// One decision per turn; parallel tool calls would leave all but the
	// first call out of the transcript the model sees next.
	parallel := false

	chatReq := &ai.ChatRequest{
		Model:             r.model,
		Messages:          messages,
		Temperature:       r.temperature,
		MaxTokens:         r.maxTokens,
		Tools:             controlTools(def),
		ParallelToolCalls: &parallel,
	}

	for _, td := range toolDefs {
		chatReq.Tools = append(chatReq.Tools, ai.ToolDefinition{
			Type: "function",
			Function: ai.FunctionDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return chatReq, nil
}

// transcriptMessages projects transcript turns onto the chat protocol.
// Tool calls and their results become assistant/tool message pairs so the
// model sees the same correlation the transcript records.
func transcriptMessages(transcript []session.Turn) []ai.Message {
	var out []ai.Message

	for i := range transcript {
		t := &transcript[i]

		switch t.Kind {
		case session.TurnMessage:
			out = append(out, ai.Message{Role: ai.RoleAssistant, Content: t.Content, Name: t.Author})

		case session.TurnToolCall:
			if t.ToolCall == nil {
				continue
			}
			out = append(out, ai.Message{
				Role: ai.RoleAssistant,
				ToolCalls: []ai.ToolCall{{
					ID:   t.ToolCall.CorrelationID.String(),
					Type: "function",
					Function: ai.FunctionCall{
						Name:      t.ToolCall.Tool,
						Arguments: string(t.ToolCall.Args),
					},
				}},
			})

		case session.TurnToolResult:
			if t.ToolResult == nil {
				continue
			}
			content := string(t.ToolResult.Payload)
			if !t.ToolResult.OK {
				content = "error: " + t.ToolResult.Error
			}
			out = append(out, ai.Message{
				Role:       ai.RoleTool,
				Content:    content,
				ToolCallID: t.ToolResult.CorrelationID.String(),
			})

		case session.TurnHandoff:
			out = append(out, ai.Message{
				Role:    ai.RoleAssistant,
				Content: "Handing off to " + t.Target + ". " + t.Content,
				Name:    t.Author,
			})

		case session.TurnFinding:
			out = append(out, ai.Message{
				Role:    ai.RoleAssistant,
				Content: "[" + t.Section + "] " + t.Content,
				Name:    t.Author,
			})
		}
	}

	return out
}

func controlTools(def *Definition) []ai.ToolDefinition {
	ctl := []ai.ToolDefinition{
		{
			Type: "function",
			Function: ai.FunctionDefinition{
				Name:        controlFinding,
				Description: "Record a finding under a report section",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"section": map[string]interface{}{"type": "string"},
						"content": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"section", "content"},
				},
			},
		},
	}

	if len(def.HandoffTargets) > 0 {
		ctl = append(ctl, ai.ToolDefinition{
			Type: "function",
			Function: ai.FunctionDefinition{
				Name:        controlHandoff,
				Description: "Transfer control to another agent: " + strings.Join(def.HandoffTargets, ", "),
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"target": map[string]interface{}{"type": "string"},
						"note":   map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"target"},
				},
			},
		})
	}

	if def.CanFinish {
		ctl = append(ctl, ai.ToolDefinition{
			Type: "function",
			Function: ai.FunctionDefinition{
				Name:        controlFinish,
				Description: "Finish the session once the report is complete",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"summary": map[string]interface{}{"type": "string"},
					},
				},
			},
		})
	}

	return ctl
}

// parse maps the model's choice onto a Decision. Control tools become
// their decision kinds; any other function call is a capability request.
func (r *LLMReasoner) parse(def *Definition, resp *ai.ChatResponse) (*Decision, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(errors.ErrReasoningUnavailable, "chat response has no choices")
	}

	msg := resp.Choices[0].Message

	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		args := json.RawMessage(call.Function.Arguments)

		switch call.Function.Name {
		case controlFinding:
			var in struct {
				Section string `json:"section"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, errors.Wrapf(errors.ErrSchemaViolation, "record_finding args: %v", err)
			}
			return &Decision{Kind: DecideFinding, Section: in.Section, Content: in.Content}, nil

		case controlHandoff:
			var in struct {
				Target string `json:"target"`
				Note   string `json:"note"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, errors.Wrapf(errors.ErrSchemaViolation, "handoff args: %v", err)
			}
			return &Decision{Kind: DecideHandoff, Target: in.Target, Content: in.Note}, nil

		case controlFinish:
			var in struct {
				Summary string `json:"summary"`
			}
			_ = json.Unmarshal(args, &in)
			return &Decision{Kind: DecideFinish, Content: in.Summary}, nil

		default:
			return &Decision{Kind: DecideToolCall, Tool: call.Function.Name, Args: args}, nil
		}
	}

	content := strings.TrimSpace(msg.Content)

	// Legacy finish convention some models fall back to.
	if def.CanFinish && strings.Contains(content, "TERMINATE") {
		return &Decision{
			Kind:    DecideFinish,
			Content: strings.TrimSpace(strings.ReplaceAll(content, "TERMINATE", "")),
		}, nil
	}

	return &Decision{Kind: DecideMessage, Content: content}, nil
}
