// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) LLM() config.LLMConfig {
	args := m.Called()
	return args.Get(0).(config.LLMConfig)
}

func (m *MockConfig) Gym() config.GymConfig {
	args := m.Called()
	return args.Get(0).(config.GymConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

// --- Setters ---

func (m *MockConfig) SetGymMaxCycles(n int)                   { m.Called(n) }
func (m *MockConfig) SetGymBatchSize(n int)                   { m.Called(n) }
func (m *MockConfig) SetGymMaxTurns(n int)                    { m.Called(n) }
func (m *MockConfig) SetGymThresholds(t schemas.ThresholdSet) { m.Called(t) }
func (m *MockConfig) SetLLMProvider(p config.LLMProvider)     { m.Called(p) }
func (m *MockConfig) SetLLMModel(s string)                    { m.Called(s) }
func (m *MockConfig) SetLLMAPIKey(s string)                   { m.Called(s) }

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close provides a mock function for releasing the client.
func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Role-scripted LLM fake --

// RoleFunc answers one request for a single role.
type RoleFunc func(req schemas.GenerationRequest) (string, error)

// ScriptedLLM is a schemas.LLMClient whose answers are supplied per role. Roles
// without a handler answer with an empty string. Every request is recorded.
type ScriptedLLM struct {
	mu       sync.Mutex
	handlers map[schemas.AgentRole]RoleFunc
	calls    []schemas.GenerationRequest
}

// NewScriptedLLM creates an empty fake.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{handlers: make(map[schemas.AgentRole]RoleFunc)}
}

// On installs the handler for a role and returns the fake for chaining.
func (s *ScriptedLLM) On(role schemas.AgentRole, fn RoleFunc) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[role] = fn
	return s
}

// Reply installs a handler that returns the given replies in order and then
// repeats the last one.
func (s *ScriptedLLM) Reply(role schemas.AgentRole, replies ...string) *ScriptedLLM {
	var mu sync.Mutex
	i := 0
	return s.On(role, func(schemas.GenerationRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return "", nil
		}
		r := replies[min(i, len(replies)-1)]
		i++
		return r, nil
	})
}

func (s *ScriptedLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	fn := s.handlers[req.Role]
	s.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(req)
}

func (s *ScriptedLLM) Close() error { return nil }

// Calls returns the recorded requests, optionally filtered to one role.
func (s *ScriptedLLM) Calls(role schemas.AgentRole) []schemas.GenerationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schemas.GenerationRequest
	for _, c := range s.calls {
		if role == "" || c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// -- Store Mock --

// MockStore mocks the store.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, rec *schemas.RunRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) Load(ctx context.Context) ([]schemas.RunRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.RunRecord), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, id string) (*schemas.RunRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.RunRecord), args.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// -- Event Sink Fake --

// RecordingEmitter captures every event in order. It is safe for concurrent use.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (r *RecordingEmitter) Emit(_ context.Context, ev schemas.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the captured events.
func (r *RecordingEmitter) Events() []schemas.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.Event(nil), r.events...)
}

// OfType returns the captured events of one type.
func (r *RecordingEmitter) OfType(t schemas.EventType) []schemas.Event {
	var out []schemas.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
