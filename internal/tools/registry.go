package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"finsight/internal/metrics"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// RetryConfig controls the registry's retry and caching behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	CacheTTL       time.Duration
}

// DefaultRetryConfig returns conservative defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Timeout:        30 * time.Second,
		CacheTTL:       5 * time.Minute,
	}
}

// SharedCache is an optional process-wide, provider-scoped result cache.
// Entries are keyed by (provider, tool, argument hash) and expire on TTL.
type SharedCache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration)
}

// Result is the outcome of one registry invocation.
type Result struct {
	Payload  json.RawMessage
	Latency  time.Duration
	Attempts int
	Cached   bool
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry stores tools by name for discovery, validation and dispatch.
// Transient adapter failures are retried here with bounded exponential
// backoff and never surface past the registry unless retries are exhausted.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	limiters map[string]*rate.Limiter

	cfg    RetryConfig
	shared SharedCache
	log    *logger.Logger
}

// NewRegistry constructs an empty tool registry.
func NewRegistry(cfg RetryConfig) *Registry {
	return &Registry{
		tools:    make(map[string]*entry),
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
		log:      logger.Get().With("component", "tool_registry"),
	}
}

// SetSharedCache attaches a process-wide result cache.
func (r *Registry) SetSharedCache(c SharedCache) {
	r.mu.Lock()
	r.shared = c
	r.mu.Unlock()
}

// SetProviderLimit installs a token-bucket limiter for a provider,
// shared across all sessions calling it.
func (r *Registry) SetProviderLimit(provider string, reqPerMinute float64) {
	if reqPerMinute <= 0 {
		return
	}

	burst := int(reqPerMinute / 10)
	if burst < 1 {
		burst = 1
	}

	r.mu.Lock()
	r.limiters[provider] = rate.NewLimiter(rate.Limit(reqPerMinute/60.0), burst)
	r.mu.Unlock()
}

// Register adds a tool, compiling its argument schema.
func (r *Registry) Register(t Tool) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Schema()))
	if err != nil {
		return errors.Wrapf(err, "compile schema for tool %s", t.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[t.Name()]; ok {
		return errors.Wrapf(errors.ErrAlreadyExists, "tool %s", t.Name())
	}

	r.tools[t.Name()] = &entry{tool: t, schema: schema}
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns the names of all registered tools.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}

	return names
}

// Definitions returns reasoning-model metadata for the named tools.
// Unknown names are skipped; the capability check happens at dispatch.
func (r *Registry) Definitions(names []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if e, ok := r.tools[name]; ok {
			defs = append(defs, Definition{
				Name:        e.tool.Name(),
				Description: e.tool.Description(),
				Parameters:  e.tool.Schema(),
			})
		}
	}

	return defs
}

// Invoke validates args against the tool's schema, then dispatches with
// provider rate limiting and bounded retry of transient failures.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	shared := r.shared
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownTool, "%s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	validation, err := e.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrSchemaViolation, "tool %s: %v", name, err)
	}
	if !validation.Valid() {
		return nil, errors.Wrapf(errors.ErrSchemaViolation, "tool %s: %s", name, formatSchemaErrors(validation))
	}

	provider := e.tool.Provider()
	cacheKey := sharedCacheKey(provider, name, args)

	if shared != nil {
		if payload, hit := shared.Get(ctx, cacheKey); hit {
			r.log.Debugf("Shared cache hit: tool=%s provider=%s", name, provider)
			metrics.ToolCacheHits.WithLabelValues(name, "shared").Inc()
			return &Result{Payload: payload, Attempts: 0, Cached: true}, nil
		}
	}

	if err := r.waitLimiter(ctx, provider); err != nil {
		return nil, err
	}

	start := time.Now()
	payload, attempts, err := r.dispatch(ctx, e.tool, args)
	latency := time.Since(start)

	metrics.ToolInvocations.WithLabelValues(name, statusLabel(err)).Inc()
	metrics.ToolLatency.WithLabelValues(name).Observe(latency.Seconds())
	if attempts > 1 {
		metrics.ToolRetries.WithLabelValues(name).Add(float64(attempts - 1))
	}

	if err != nil {
		return &Result{Latency: latency, Attempts: attempts}, err
	}

	if shared != nil {
		shared.Set(ctx, cacheKey, payload, r.cfg.CacheTTL)
	}

	return &Result{Payload: payload, Latency: latency, Attempts: attempts}, nil
}

// dispatch runs the tool with per-call timeout, retrying transient failures.
func (r *Registry) dispatch(ctx context.Context, t Tool, args json.RawMessage) (json.RawMessage, int, error) {
	attempts := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // attempt count is the bound, not elapsed time

	maxRetries := uint64(0)
	if r.cfg.MaxAttempts > 1 {
		maxRetries = uint64(r.cfg.MaxAttempts - 1)
	}

	var payload json.RawMessage
	operation := func() error {
		attempts++

		callCtx := ctx
		if r.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
		}

		out, err := t.Execute(callCtx, args)
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				r.log.Warnf("Tool %s transient failure (attempt %d/%d): %v",
					t.Name(), attempts, r.cfg.MaxAttempts, err)
				return err
			}
			return backoff.Permanent(err)
		}

		payload = out
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, attempts, errors.Wrap(errors.ErrCancelled, "tool dispatch aborted")
		}
		// backoff.Retry hands back the inner error of a Permanent wrapper,
		// so transience of the final error tells exhaustion apart from a
		// permanent failure. Permanent failures surface unchanged.
		if IsTransient(err) {
			return nil, attempts, errors.Wrapf(errors.ErrToolUnavailable, "tool %s after %d attempts: %v",
				t.Name(), attempts, err)
		}
		return nil, attempts, err
	}

	return payload, attempts, nil
}

func (r *Registry) waitLimiter(ctx context.Context, provider string) error {
	r.mu.RLock()
	limiter := r.limiters[provider]
	r.mu.RUnlock()

	if limiter == nil {
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return errors.Wrapf(errors.ErrRateLimitExceeded, "provider %s: %v", provider, err)
	}
	return nil
}

func sharedCacheKey(provider, tool string, args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return "toolcache:" + provider + ":" + tool + ":" + hex.EncodeToString(sum[:])
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	msg := ""
	for i, e := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return msg
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
