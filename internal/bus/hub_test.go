package bus_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/stretchr/testify/require"
)

func TestHubOrder(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	a := hub.Subscribe("run-1")
	b := hub.Subscribe("run-1")
	all := hub.Subscribe(bus.AllChannels)
	other := hub.Subscribe("run-2")
	t.Cleanup(func() {
		a.Close()
		b.Close()
		all.Close()
		other.Close()
	})

	ctx := t.Context()
	for i := range 1000 {
		err := hub.Publish(ctx, bus.EventLog, bus.LogPayload{RunID: "run-1", Line: fmt.Sprint(i)}, "run-1")
		require.NoError(t, err)
	}

	for _, sub := range []*bus.Subscription{a, b, all} {
		for i := range 1000 {
			ev, err := sub.Next(ctx)
			require.NoError(t, err)
			require.Equal(t, bus.EventLog, ev.Name)
			require.Equal(t, "run-1", ev.Channel)
			require.Equal(t, fmt.Sprint(i), ev.Payload.(bus.LogPayload).Line)
		}
		requireEmpty(t, sub)
	}
	requireEmpty(t, other)
}

func TestHubClose(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	sub := hub.Subscribe("run-1")
	require.Equal(t, 1, hub.Subscribers("run-1"))

	ctx := t.Context()
	require.NoError(t, hub.Publish(ctx, bus.EventStage, bus.StagePayload{RunID: "run-1", Stage: "FOO"}, "run-1"))
	sub.Close()
	sub.Close()
	require.Equal(t, 0, hub.Subscribers("run-1"))

	// queued before close
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, bus.EventStage, ev.Name)

	require.NoError(t, hub.Publish(ctx, bus.EventStage, bus.StagePayload{RunID: "run-1", Stage: "BAR"}, "run-1"))
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestHubNextBlocks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		hub := bus.NewHub()
		sub := hub.Subscribe("run-1")
		defer sub.Close()

		go func() {
			time.Sleep(time.Second)
			_ = hub.Publish(context.Background(), bus.EventComplete, bus.CompletePayload{RunID: "run-1", Outcome: bus.OutcomeSuccess}, "run-1")
		}()

		start := time.Now()
		ev, err := sub.Next(t.Context())
		require.NoError(t, err)
		require.Equal(t, bus.EventComplete, ev.Name)
		require.Equal(t, time.Second, time.Since(start))

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		_, err = sub.Next(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestMulti(t *testing.T) {
	t.Parallel()
	h1, h2 := bus.NewHub(), bus.NewHub()
	s1, s2 := h1.Subscribe("r"), h2.Subscribe("r")
	defer s1.Close()
	defer s2.Close()

	boom := errors.New("boom")
	m := bus.Multi{h1, failing{boom}, h2}
	err := m.Publish(t.Context(), bus.EventStage, bus.StagePayload{RunID: "r", Stage: "X"}, "r")
	require.ErrorIs(t, err, boom)

	for _, s := range []*bus.Subscription{s1, s2} {
		ev, err := s.Next(t.Context())
		require.NoError(t, err)
		require.Equal(t, "X", ev.Payload.(bus.StagePayload).Stage)
	}
}

func TestOutcome(t *testing.T) {
	require.Equal(t, bus.OutcomeSuccess, bus.Outcome(0))
	require.Equal(t, bus.OutcomeFailure, bus.Outcome(1))
	require.Equal(t, bus.OutcomeFailure, bus.Outcome(-9))
}

type failing struct{ err error }

func (f failing) Publish(context.Context, string, any, string) error { return f.err }

func requireEmpty(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
