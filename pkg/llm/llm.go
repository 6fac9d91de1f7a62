// Package llm abstracts the external model provider behind a narrow
// completion contract guarded by per-call timeouts, a shared circuit breaker
// and a token-bucket rate limiter. Governance never talks to a provider
// directly.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrBreakerOpen = errors.New("llm: circuit breaker open")
	ErrNoProvider  = errors.New("llm: no provider configured")
)

// Request is one model call: instructions plus an optional tool schema.
type Request struct {
	Instructions string       `json:"instructions"`
	Input        string       `json:"input"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	Model        string       `json:"model,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
}

// ToolSchema describes one capability exposed to the model.
type ToolSchema struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Inputs      map[string]string `json:"inputs"`
	Outputs     map[string]string `json:"outputs"`
}

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ToolID string         `json:"tool_id"`
	Args   map[string]any `json:"args"`
}

// Response is either text or tool calls.
type Response struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the raw model transport. Implementations must respect ctx
// cancellation.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client wraps a provider with the shared guards. Per-call timeouts come
// from the caller's role (oversight 30 s, drift 90 s, classification 15 s);
// the breaker and limiter are process-wide so a flapping provider cannot
// cause a thundering herd.
type Client struct {
	provider Provider
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
	timeout  time.Duration
}

// Options configures a Client.
type Options struct {
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RatePerSecond    float64
	Burst            int
}

// DefaultOptions matches the governance defaults: 30 s timeout, breaker
// opens after 3 consecutive failures with a 60 s cooldown.
func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  60 * time.Second,
		RatePerSecond:    5,
		Burst:            10,
	}
}

// NewClient builds a guarded client. A nil provider yields a client whose
// calls fail with ErrNoProvider, which callers treat as "fall back to
// deterministic".
func NewClient(provider Provider, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 60 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &Client{
		provider: provider,
		breaker:  NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		timeout:  opts.Timeout,
	}
}

// Configured reports whether a provider is wired.
func (c *Client) Configured() bool {
	return c != nil && c.provider != nil
}

// Complete runs one guarded model call.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if c == nil || c.provider == nil {
		return nil, ErrNoProvider
	}
	if !c.breaker.Allow() {
		return nil, ErrBreakerOpen
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate wait: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Complete(callCtx, req)
	if err != nil {
		c.breaker.Failure()
		return nil, fmt.Errorf("llm: complete: %w", err)
	}
	c.breaker.Success()
	return resp, nil
}

// Breaker exposes the shared breaker so sibling clients can be built on it.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}
