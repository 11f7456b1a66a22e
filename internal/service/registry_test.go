package service_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	zero := 0

	g := service.NewRegistry()
	for _, r := range []*service.Record{
		service.NewRecord("20261019-080000-000000-aaaaaa", "soma", t0, &zero),
		service.NewRecord("20261019-080100-000000-bbbbbb", "soma", t0.Add(time.Minute), nil),
		service.NewRecord("20261019-080100-000000-cccccc", "soma", t0.Add(time.Minute), nil),
		service.NewRecord("20261019-080200-000000-dddddd", "impulse", t0.Add(2*time.Minute), nil),
		service.NewRecord("20261019-080300-000000-eeeeee", "impulse", t0.Add(3*time.Minute), &zero),
	} {
		require.NoError(t, g.Add(r))
	}

	t.Run("duplicate", func(t *testing.T) {
		err := g.Add(service.NewRecord("20261019-080000-000000-aaaaaa", "soma", t0, nil))
		require.ErrorContains(t, err, "already registered")
	})

	t.Run("get", func(t *testing.T) {
		r, err := g.Get("20261019-080200-000000-dddddd")
		require.NoError(t, err)
		require.Equal(t, "impulse", r.Summary().Pipeline)

		_, err = g.Get("nope")
		require.ErrorIs(t, err, service.ErrNotFound)
	})

	t.Run("all", func(t *testing.T) {
		var ids []string
		for _, r := range g.All() {
			ids = append(ids, r.ID())
		}
		require.IsIncreasing(t, ids)
		require.Len(t, ids, 5)
	})

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"same start time, higher id wins", "soma", "20261019-080100-000000-cccccc"},
		{"finished runs are skipped", "impulse", "20261019-080200-000000-dddddd"},
		{"any pipeline", "", "20261019-080200-000000-dddddd"},
		{"unknown pipeline", "nope", ""},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			r, ok := g.Active(tt.given)
			if tt.then == "" {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tt.then, r.ID())
		})
	}
}
