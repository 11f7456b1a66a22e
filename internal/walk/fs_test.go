package walk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/pipewatch/internal/walk"
	"github.com/stretchr/testify/require"
)

func TestGlob(t *testing.T) {
	t.Parallel()
	shared := t.TempDir()
	private := filepath.Join(shared, "run")
	require.NoError(t, os.Mkdir(private, 0o755))

	touch(t, shared, "soma_run.log")
	touch(t, shared, "notes.txt")
	touch(t, private, "b.log")
	touch(t, private, "a.log")
	require.NoError(t, os.Mkdir(filepath.Join(private, "nested.log"), 0o755))

	var got []string
	for entry, err := range walk.Glob(t.Context(), "*.log", private, shared, filepath.Join(shared, "missing")) {
		require.NoError(t, err)
		require.NotNil(t, entry.Stat())
		got = append(got, entry.Path())
	}
	require.Equal(t, []string{
		filepath.Join(private, "a.log"),
		filepath.Join(private, "b.log"),
		filepath.Join(shared, "soma_run.log"),
	}, got)
}

func TestGlobBadPattern(t *testing.T) {
	t.Parallel()
	var errs int
	for _, err := range walk.Glob(t.Context(), "[", t.TempDir()) {
		require.Error(t, err)
		errs++
	}
	require.Equal(t, 1, errs)
}

func TestGlobStop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, dir, "a.log")
	touch(t, dir, "b.log")

	var n int
	for range walk.Glob(t.Context(), "*.log", dir) {
		n++
		break
	}
	require.Equal(t, 1, n)
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
}
