package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewBus(context.Background(), t.TempDir())
	require.NoError(t, err, "embedded bus should start")
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestBusSessionRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan string, 4)
	sub, err := bus.SubscribeSession("sess-1", func(subject string, data []byte) {
		received <- subject
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.PublishStatus(StatusChanged{
		SessionID: "sess-1",
		OldStatus: "initializing",
		NewStatus: "running",
		Timestamp: time.Now(),
	}))
	require.NoError(t, bus.PublishAgentOutput(AgentOutput{
		SessionID: "sess-1",
		Role:      "assistant",
		Content:   "hello",
		Timestamp: time.Now(),
	}))

	// Events for other sessions must not leak into this subscription.
	require.NoError(t, bus.PublishStatus(StatusChanged{
		SessionID: "sess-2",
		NewStatus: "running",
		Timestamp: time.Now(),
	}))

	var subjects []string
	for i := 0; i < 2; i++ {
		select {
		case s := <-received:
			subjects = append(subjects, s)
		case <-time.After(3 * time.Second):
			t.Fatalf("only received %d of 2 events", len(subjects))
		}
	}
	assert.Contains(t, subjects, "drover.session.sess-1.status")
	assert.Contains(t, subjects, "drover.session.sess-1.output")

	select {
	case s := <-received:
		t.Fatalf("unexpected cross-session event: %s", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBusWarnings(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan Warning, 1)
	sub, err := bus.SubscribeWarnings(func(w Warning) {
		received <- w
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.PublishWarning(Warning{
		SessionID: "sess-1",
		Message:   "shell processes survived teardown",
		Pids:      []int{123, 456},
		Timestamp: time.Now(),
	}))

	select {
	case w := <-received:
		assert.Equal(t, "sess-1", w.SessionID)
		assert.Equal(t, []int{123, 456}, w.Pids)
	case <-time.After(3 * time.Second):
		t.Fatal("warning never arrived")
	}
}
