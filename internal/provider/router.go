package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Purposes the oracle routes requests under.
const (
	PurposeDecide = "decide"
	PurposeDream  = "dream"
)

// RetryPolicy governs retries of retryable provider errors.
type RetryPolicy struct {
	Attempts int           // total tries per provider, at least 1
	Base     time.Duration // first backoff, doubled each retry
	Max      time.Duration
}

// DefaultRetryPolicy tries three times starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Max: 8 * time.Second}
}

// Router manages providers and routes requests by purpose, with retries
// and fallbacks.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // purpose -> providerID
	fallbacks map[string][]string // purpose -> fallback provider chain
	defaults  string
	retry     RetryPolicy
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		retry:     DefaultRetryPolicy(),
		logger:    logger,
	}
}

// New builds a provider from its config.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// SetRetry replaces the retry policy.
func (r *Router) SetRetry(p RetryPolicy) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retry = p
}

// Register adds a provider to the router. The first one becomes default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind routes one purpose to a specific provider.
func (r *Router) Bind(purpose, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[purpose] = providerID
}

// SetFallbacks configures fallback providers for a purpose.
func (r *Router) SetFallbacks(purpose string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[purpose] = providerIDs
}

// Len returns the number of registered providers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Route sends req to the provider bound to purpose, retrying retryable
// errors with exponential backoff and then walking the fallback chain.
func (r *Router) Route(ctx context.Context, purpose string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	chain := r.chainLocked(purpose)
	policy := r.retry
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for %s", purpose)
	}

	var err error
	for i, p := range chain {
		var resp *ChatResponse
		resp, err = r.try(ctx, p, req, policy)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i < len(chain)-1 {
			r.logger.Warn("provider failed, trying fallback",
				zap.String("purpose", purpose),
				zap.String("provider", p.ID()),
				zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", purpose, err)
}

func (r *Router) try(ctx context.Context, p Provider, req *ChatRequest, policy RetryPolicy) (*ChatResponse, error) {
	backoff := policy.Base
	var err error
	for attempt := 1; ; attempt++ {
		var resp *ChatResponse
		resp, err = p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= policy.Attempts || !IsRetryable(err) {
			return nil, err
		}
		wait := backoff
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
			wait = apiErr.RetryAfter
			if policy.Max > 0 && wait > policy.Max {
				wait = policy.Max
			}
		}
		r.logger.Debug("retrying provider",
			zap.String("provider", p.ID()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if policy.Max > 0 && backoff > policy.Max {
			backoff = policy.Max
		}
	}
}

func (r *Router) chainLocked(purpose string) []Provider {
	var chain []Provider
	seen := make(map[string]bool)
	add := func(id string) {
		if p, ok := r.providers[id]; ok && !seen[id] {
			seen[id] = true
			chain = append(chain, p)
		}
	}
	if id, ok := r.bindings[purpose]; ok {
		add(id)
	} else {
		add(r.defaults)
	}
	for _, id := range r.fallbacks[purpose] {
		add(id)
	}
	return chain
}
