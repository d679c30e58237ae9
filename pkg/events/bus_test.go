package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus, err := NewInMemoryBus()
	require.NoError(t, err)

	got := make(chan ServiceState, 1)
	bus.Subscribe("test", func(env Envelope) error {
		var s ServiceState
		if err := env.Decode(&s); err != nil {
			return err
		}
		got <- s
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()
	<-bus.Running()

	bus.Publish(TypeServiceState, ServiceState{Service: "db", Phase: "ready", Seq: 1})

	select {
	case s := <-got:
		require.Equal(t, "db", s.Service)
		require.Equal(t, "ready", s.Phase)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(TypeBuildStageStarted, StageStarted{Stage: "a"})
	r.Publish(TypeServiceState, ServiceState{Service: "x"})
	require.Equal(t, []string{TypeServiceState}, r.Types(TypeServiceState))
	require.Len(t, r.Events(), 2)
	OrNop(nil).Publish("x", nil)
}
