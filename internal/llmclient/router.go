package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// CompletionObserver receives the latency and outcome of every routed call.
type CompletionObserver interface {
	ObserveCompletion(role schemas.AgentRole, d time.Duration, err error)
}

// RouterOption customises a RoleRouter.
type RouterOption func(*RoleRouter)

// WithObserver attaches a CompletionObserver.
func WithObserver(o CompletionObserver) RouterOption {
	return func(r *RoleRouter) { r.observer = o }
}

// RoleRouter implements schemas.LLMClient and routes each request by its logical
// role. Calls for the same role are serialised; different roles run concurrently.
type RoleRouter struct {
	logger   *zap.Logger
	fallback schemas.LLMClient
	clients  map[schemas.AgentRole]schemas.LLMClient
	inflight map[schemas.AgentRole]*semaphore.Weighted
	observer CompletionObserver
}

// NewRoleRouter creates a router. Roles without an override use the default client.
func NewRoleRouter(logger *zap.Logger, defaultClient schemas.LLMClient, overrides map[schemas.AgentRole]schemas.LLMClient, opts ...RouterOption) (*RoleRouter, error) {
	if defaultClient == nil {
		return nil, fmt.Errorf("a default LLM client must be provided")
	}

	r := &RoleRouter{
		logger:   logger.Named("llm_router"),
		fallback: defaultClient,
		clients:  make(map[schemas.AgentRole]schemas.LLMClient, len(schemas.AllAgentRoles)),
		inflight: make(map[schemas.AgentRole]*semaphore.Weighted, len(schemas.AllAgentRoles)),
	}
	for _, role := range schemas.AllAgentRoles {
		client := defaultClient
		if c, ok := overrides[role]; ok && c != nil {
			client = c
		}
		r.clients[role] = client
		r.inflight[role] = semaphore.NewWeighted(1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Generate selects the client for req.Role and waits for that role to be free.
func (r *RoleRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	role := req.Role
	if role == "" {
		role = schemas.RoleAgent
		req.Role = role
	}

	client, ok := r.clients[role]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for role: %s", role)
	}

	sem := r.inflight[role]
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for %s role: %w", role, err)
	}
	defer sem.Release(1)

	r.logger.Debug("Routing LLM request", zap.String("role", string(role)))
	start := time.Now()
	out, err := client.Generate(ctx, req)
	if r.observer != nil {
		r.observer.ObserveCompletion(role, time.Since(start), err)
	}
	if err != nil {
		r.logger.Warn("LLM request failed", zap.String("role", string(role)), zap.Error(err))
	}
	return out, err
}

// Close closes every distinct underlying client once.
func (r *RoleRouter) Close() error {
	seen := make(map[schemas.LLMClient]bool)
	var errs []error
	for _, c := range append([]schemas.LLMClient{r.fallback}, r.values()...) {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *RoleRouter) values() []schemas.LLMClient {
	out := make([]schemas.LLMClient, 0, len(r.clients))
	for _, role := range schemas.AllAgentRoles {
		out = append(out, r.clients[role])
	}
	return out
}
