package llmclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
	"github.com/xkilldash9x/scriptgym/internal/mocks"
)

// blockingClient tracks how many calls are in flight at once.
type blockingClient struct {
	inflight    int32
	maxInflight int32
	release     chan struct{}
}

func (b *blockingClient) Generate(ctx context.Context, _ schemas.GenerationRequest) (string, error) {
	n := atomic.AddInt32(&b.inflight, 1)
	for {
		m := atomic.LoadInt32(&b.maxInflight)
		if n <= m || atomic.CompareAndSwapInt32(&b.maxInflight, m, n) {
			break
		}
	}
	defer atomic.AddInt32(&b.inflight, -1)
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *blockingClient) Close() error { return nil }

type recordingObserver struct {
	mu    sync.Mutex
	roles []schemas.AgentRole
	errs  int
}

func (o *recordingObserver) ObserveCompletion(role schemas.AgentRole, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.roles = append(o.roles, role)
	if err != nil {
		o.errs++
	}
}

func TestNewRoleRouter_RequiresDefault(t *testing.T) {
	logger, _ := setupTestLogger(t)
	_, err := NewRoleRouter(logger, nil, nil)
	assert.ErrorContains(t, err, "default LLM client")
}

func TestRoleRouter_RoutesByRole(t *testing.T) {
	logger, _ := setupTestLogger(t)
	def := new(mocks.MockLLMClient)
	evaluator := new(mocks.MockLLMClient)

	def.On("Generate", mock.Anything, mock.MatchedBy(func(r schemas.GenerationRequest) bool {
		return r.Role == schemas.RoleAgent
	})).Return("agent reply", nil).Once()
	evaluator.On("Generate", mock.Anything, mock.MatchedBy(func(r schemas.GenerationRequest) bool {
		return r.Role == schemas.RoleEvaluator
	})).Return(`{"metrics":{}}`, nil).Once()

	obs := &recordingObserver{}
	router, err := NewRoleRouter(logger, def, map[schemas.AgentRole]schemas.LLMClient{schemas.RoleEvaluator: evaluator}, WithObserver(obs))
	require.NoError(t, err)

	out, err := router.Generate(context.Background(), schemas.GenerationRequest{Role: schemas.RoleAgent})
	require.NoError(t, err)
	assert.Equal(t, "agent reply", out)

	out, err = router.Generate(context.Background(), schemas.GenerationRequest{Role: schemas.RoleEvaluator})
	require.NoError(t, err)
	assert.Equal(t, `{"metrics":{}}`, out)

	def.AssertExpectations(t)
	evaluator.AssertExpectations(t)
	assert.Equal(t, []schemas.AgentRole{schemas.RoleAgent, schemas.RoleEvaluator}, obs.roles)
}

func TestRoleRouter_EmptyRoleDefaultsToAgent(t *testing.T) {
	logger, _ := setupTestLogger(t)
	def := new(mocks.MockLLMClient)
	def.On("Generate", mock.Anything, mock.MatchedBy(func(r schemas.GenerationRequest) bool {
		return r.Role == schemas.RoleAgent
	})).Return("hi", nil)

	router, err := NewRoleRouter(logger, def, nil)
	require.NoError(t, err)
	_, err = router.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)
	def.AssertExpectations(t)
}

func TestRoleRouter_UnknownRole(t *testing.T) {
	logger, _ := setupTestLogger(t)
	router, err := NewRoleRouter(logger, new(mocks.MockLLMClient), nil)
	require.NoError(t, err)
	_, err = router.Generate(context.Background(), schemas.GenerationRequest{Role: "narrator"})
	assert.ErrorContains(t, err, "no LLM client configured for role: narrator")
}

func TestRoleRouter_SingleFlightPerRole(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger, _ := setupTestLogger(t)
	client := &blockingClient{release: make(chan struct{})}
	router, err := NewRoleRouter(logger, client, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = router.Generate(context.Background(), schemas.GenerationRequest{Role: schemas.RoleEvaluator})
		}()
	}

	// Let the goroutines pile up on the semaphore, then drain them one by one.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		client.release <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&client.maxInflight), "same-role calls must not overlap")
}

func TestRoleRouter_DifferentRolesRunConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger, _ := setupTestLogger(t)
	client := &blockingClient{release: make(chan struct{})}
	router, err := NewRoleRouter(logger, client, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, role := range []schemas.AgentRole{schemas.RoleAgent, schemas.RoleGenerator} {
		wg.Add(1)
		go func(role schemas.AgentRole) {
			defer wg.Done()
			_, _ = router.Generate(context.Background(), schemas.GenerationRequest{Role: role})
		}(role)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&client.inflight) == 2 }, time.Second, 5*time.Millisecond)
	close(client.release)
	wg.Wait()
}

func TestRoleRouter_AcquireHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger, _ := setupTestLogger(t)
	client := &blockingClient{release: make(chan struct{})}
	router, err := NewRoleRouter(logger, client, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = router.Generate(context.Background(), schemas.GenerationRequest{Role: schemas.RoleOptimizer})
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&client.inflight) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = router.Generate(ctx, schemas.GenerationRequest{Role: schemas.RoleOptimizer})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(client.release)
	<-done
}

func TestRoleRouter_CloseOncePerClient(t *testing.T) {
	logger, _ := setupTestLogger(t)
	def := new(mocks.MockLLMClient)
	opt := new(mocks.MockLLMClient)
	def.On("Close").Return(nil).Once()
	opt.On("Close").Return(errors.New("boom")).Once()

	router, err := NewRoleRouter(logger, def, map[schemas.AgentRole]schemas.LLMClient{schemas.RoleOptimizer: opt})
	require.NoError(t, err)

	err = router.Close()
	assert.ErrorContains(t, err, "boom")
	def.AssertExpectations(t)
	opt.AssertExpectations(t)
}

func TestNewClient_Factory(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	c, err := NewClient(ctx, getValidLLMConfig(config.ProviderGemini), logger)
	require.NoError(t, err)
	assert.IsType(t, &GeminiClient{}, c)

	c, err = NewClient(ctx, getValidLLMConfig(config.ProviderGroq), logger)
	require.NoError(t, err)
	assert.IsType(t, &OpenAICompatClient{}, c)

	_, err = NewClient(ctx, getValidLLMConfig("anthropic"), logger)
	assert.ErrorContains(t, err, "unknown or unsupported LLM provider")
}

func TestNewRouterFromConfig(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := config.LLMConfig{
		Default: getValidLLMConfig(config.ProviderGroq),
		Roles: map[string]config.LLMModelConfig{
			"optimizer": {Provider: config.ProviderGemini, APIKey: "g", Model: "gemini-2.5-pro"},
		},
	}

	router, err := NewRouterFromConfig(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer router.Close()

	assert.IsType(t, &OpenAICompatClient{}, router.clients[schemas.RoleAgent])
	assert.IsType(t, &GeminiClient{}, router.clients[schemas.RoleOptimizer])

	cfg.Roles["evaluator"] = config.LLMModelConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o"}
	_, err = NewRouterFromConfig(context.Background(), cfg, logger)
	assert.ErrorContains(t, err, "role evaluator")
}
