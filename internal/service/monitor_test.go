package service_test

import (
	"testing"

	"github.com/CZERTAINLY/pipewatch/internal/service"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given     string
		thenStage string
		thenOK    bool
	}{
		{"=== DATAPREP1 START ===", "DATAPREP1", true},
		{"=== CONFIG ===", "CONFIG", true},
		{"==== COMPLETE", "COMPLETE", true},
		{"===   TRAIN epoch 3   =====", "TRAIN", true},
		{"=== ===", "", false},
		{"== DATAPREP1 ==", "", false},
		{"===DATAPREP1===", "", false},
		{"step 3 === DATAPREP1 ===", "", false},
		{"", "", false},
	}

	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			stage, ok := service.ParseStage(tt.given)
			require.Equal(t, tt.thenOK, ok)
			require.Equal(t, tt.thenStage, stage)
		})
	}
}

func TestCheckpointPolicy(t *testing.T) {
	t.Parallel()
	var p service.CheckpointPolicy = service.Checkpointed{PassThrough: []string{"CONFIG", "COMPLETE"}}
	require.False(t, p.ShouldPause("CONFIG"))
	require.False(t, p.ShouldPause("COMPLETE"))
	require.True(t, p.ShouldPause("DATAPREP1"))
	require.True(t, p.ShouldPause("config"))

	p = service.FireAndForget{}
	require.False(t, p.ShouldPause("DATAPREP1"))
}
