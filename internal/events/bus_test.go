package events_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/events"
)

func newTestBus(t *testing.T, bufferSize int) *events.Bus {
	return events.NewBus(zaptest.NewLogger(t), bufferSize)
}

func TestBus_DeliversBySubscribedType(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := newTestBus(t, 4)
	defer eb.Shutdown()

	results, unsubResults := eb.Subscribe(schemas.EventResult)
	defer unsubResults()

	ctx := context.Background()
	require.NoError(t, eb.Post(ctx, schemas.LogEvent("run", "ignored")))
	require.NoError(t, eb.Post(ctx, schemas.ResultEvent("run", schemas.ScenarioResult{Cycle: 1, Scenario: 2})))

	select {
	case msg := <-results:
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, schemas.EventResult, msg.Event.Type)
		assert.Equal(t, 2, msg.Event.Scenario)
		eb.Acknowledge(msg)
	case <-time.After(time.Second):
		t.Fatal("result event was not delivered")
	}

	select {
	case msg := <-results:
		t.Fatalf("unexpected delivery of %s", msg.Event.Type)
	default:
	}
}

func TestBus_Post_NoSubscribers(t *testing.T) {
	eb := newTestBus(t, 0)
	defer eb.Shutdown()
	assert.NoError(t, eb.Post(context.Background(), schemas.LogEvent("run", "nobody listens")))
}

func TestBus_Post_CancellationCorrectness(t *testing.T) {
	eb := newTestBus(t, 0)
	defer eb.Shutdown()

	msgChan, unsubscribe := eb.Subscribe(schemas.EventLog)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	postDone := make(chan error)
	go func() {
		postDone <- eb.Post(ctx, schemas.LogEvent("run", "blocked"))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-postDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return promptly after context cancellation.")
	}

	select {
	case <-msgChan:
		t.Error("event should not have been delivered after cancellation")
	default:
	}
}

func TestBus_PostAfterShutdown(t *testing.T) {
	eb := newTestBus(t, 1)
	eb.Shutdown()

	err := eb.Post(context.Background(), schemas.LogEvent("run", "late"))
	assert.ErrorContains(t, err, "shut down")

	ch, unsubscribe := eb.Subscribe(schemas.EventLog)
	unsubscribe()
	_, open := <-ch
	assert.False(t, open, "subscribing after shutdown yields a closed channel")
}

func TestBus_Unsubscribe(t *testing.T) {
	eb := newTestBus(t, 1)
	defer eb.Shutdown()

	ch, unsubscribe := eb.Subscribe(schemas.EventLog, schemas.EventDone)
	unsubscribe()

	require.NoError(t, eb.Post(context.Background(), schemas.LogEvent("run", "after")))
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received an event")
	default:
	}
}

func TestBus_Shutdown_UnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := newTestBus(t, 5)

	var subscriberWg sync.WaitGroup
	for i := 0; i < 5; i++ {
		subscriberWg.Add(1)
		msgChan, _ := eb.Subscribe(events.AllTypes...)
		go func() {
			defer subscriberWg.Done()
			for msg := range msgChan {
				time.Sleep(time.Millisecond)
				eb.Acknowledge(msg)
			}
		}()
	}

	producerCtx, producerCancel := context.WithCancel(context.Background())
	var producerWg sync.WaitGroup
	for i := 0; i < 5; i++ {
		producerWg.Add(1)
		go func(id int) {
			defer producerWg.Done()
			for j := 0; j < 50; j++ {
				_ = eb.Post(producerCtx, schemas.LogEvent("run", fmt.Sprintf("msg-%d-%d", id, j)))
				if producerCtx.Err() != nil {
					return
				}
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		eb.Shutdown()
		close(shutdownDone)
	}()
	producerCancel()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Bus shutdown timed out. Potential deadlock or failure to drain.")
	}

	producerWg.Wait()
	subscriberWg.Wait()
}

func TestBus_EmitSwallowsErrors(t *testing.T) {
	eb := newTestBus(t, 0)
	eb.Shutdown()
	assert.NotPanics(t, func() {
		eb.Emit(context.Background(), schemas.LogEvent("run", "dropped"))
	})
}
