package service_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		require.ErrorIs(t, runner.Result().Err, service.ErrNotStarted)
		require.ErrorIs(t, runner.Signal(service.SignalKill), service.ErrNotStarted)
		require.False(t, runner.Alive())
		require.Zero(t, runner.Pid())
	})

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; echo stderr 1>&2; exit 3"},
		Env:  []string{"LC_ALL=C"},
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		require.NoError(t, runner.Start(ctx, cmd))
		require.NotZero(t, runner.Pid())
		require.NoError(t, runner.Result().Err)
	})
	t.Run("already started", func(t *testing.T) {
		require.ErrorIs(t, runner.Start(ctx, cmd), service.ErrAlreadyStarted)
	})
	t.Run("wait", func(t *testing.T) {
		out, err := io.ReadAll(runner.Stdout())
		require.NoError(t, err)
		require.Equal(t, "stdout\nstderr\n", string(out))

		waitDone(t, runner)
		res := runner.Result()
		require.Equal(t, sh, res.Path)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.Equal(t, 3, res.ReturnCode)
		require.NoError(t, res.Err)
		require.NoError(t, runner.CloseStdout())
	})
	t.Run("exec error", func(t *testing.T) {
		r := service.NewRunner()
		err := r.Start(ctx, service.Command{Path: "does not exist"})
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, "does not exist", execErr.Name)
		require.Error(t, r.Result().Err)
	})
}

func TestRunnerSignals(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	require.NoError(t, runner.Start(t.Context(), service.Command{
		Path: sh,
		Args: []string{"-c", "sleep 30 & wait"},
	}))
	t.Cleanup(func() { _ = runner.Signal(service.SignalKill) })
	require.True(t, runner.Alive())

	require.NoError(t, runner.Signal(service.SignalSuspend))
	requireProcState(t, runner.Pid(), 'T')
	require.NoError(t, runner.Signal(service.SignalContinue))
	requireProcState(t, runner.Pid(), 'S')

	require.NoError(t, runner.Signal(service.SignalTerminate))
	waitDone(t, runner)
	require.Equal(t, -15, runner.Result().ReturnCode)
	require.Eventually(t, func() bool { return !runner.Alive() }, 5*time.Second, 10*time.Millisecond)

	// the group is gone, signals are silently dropped
	require.NoError(t, runner.Signal(service.SignalKill))
}

func TestRunnerGrandchildKeepsOutput(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	require.NoError(t, runner.Start(t.Context(), service.Command{
		Path: sh,
		Args: []string{"-c", "echo hi; sleep 30 & exit 0"},
	}))
	t.Cleanup(func() { _ = runner.Signal(service.SignalKill) })

	type readResult struct {
		out []byte
		err error
	}
	read := make(chan readResult, 1)
	go func() {
		out, err := io.ReadAll(runner.Stdout())
		read <- readResult{out, err}
	}()

	waitDone(t, runner)
	require.Equal(t, 0, runner.Result().ReturnCode)
	// sleep is still a member of the group and holds the pipe
	require.True(t, runner.Alive())
	select {
	case <-read:
		t.Fatal("output closed while a grandchild holds it")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, runner.CloseStdout())
	select {
	case r := <-read:
		require.Equal(t, "hi\n", string(r.out))
		require.True(t, r.err == nil || errors.Is(r.err, os.ErrClosed), r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("read not unblocked by CloseStdout")
	}

	require.NoError(t, runner.Signal(service.SignalKill))
	require.Eventually(t, func() bool { return !runner.Alive() }, 5*time.Second, 10*time.Millisecond)
}

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func waitDone(t *testing.T, r *service.Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

// requireProcState waits until the scheduler state of pid, as shown by
// /proc/<pid>/stat, is state. Skipped without procfs.
func requireProcState(t *testing.T, pid int, state byte) {
	t.Helper()
	path := fmt.Sprintf("/proc/%d/stat", pid)
	if _, err := os.Stat(path); err != nil {
		t.Logf("procfs not available, not checking state: %v", err)
		return
	}
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		i := bytes.LastIndexByte(b, ')')
		if i < 0 || i+2 >= len(b) {
			return false
		}
		return b[i+2] == state
	}, 5*time.Second, 10*time.Millisecond, "process %d never reached state %c", pid, state)
}
