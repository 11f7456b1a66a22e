package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Signal is a process group signal, independent of the platform numbering.
type Signal int

const (
	SignalSuspend Signal = iota + 1
	SignalContinue
	SignalTerminate
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalSuspend:
		return "suspend"
	case SignalContinue:
		return "continue"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	default:
		return "unknown"
	}
}

type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	// ReturnCode is the exit status, or the negated signal number when
	// the process was killed by a signal.
	ReturnCode int
	Err        error
}

// Runner is the handle of one driver process. The process is the leader of
// a new session and process group, so signals reach every descendant which
// did not move to a group of its own. Stdout and stderr share one pipe.
//
// A Runner starts at most one process.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	pgid   int
	stdout *os.File
	result Result
	done   chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
		done:   make(chan struct{}),
	}
}

// Start launches the process and returns without waiting for it. The exit is
// observed through Done and Result. ctx is only used for logging, cancelling
// it does not affect the process.
func (r *Runner) Start(ctx context.Context, proto Command) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrAlreadyStarted
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		r.result.Err = err
		return err
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcAttr(cmd)

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	// the child owns the write end now
	_ = pw.Close()

	r.cmd = cmd
	r.pgid = cmd.Process.Pid
	r.stdout = pr
	slog.DebugContext(ctx, "driver started", "path", proto.Path, "pid", r.pgid)
	go r.wait(cmd)
	return nil
}

func (r *Runner) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.ReturnCode = returnCode(cmd.ProcessState)
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		r.result.Err = err
	}
	r.mx.Unlock()
	close(r.done)
}

// Stdout returns the combined stdout and stderr of the process. It reports
// EOF once every holder of the write end, grandchildren included, is gone.
func (r *Runner) Stdout() io.Reader {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.stdout == nil {
		return eofReader{}
	}
	return r.stdout
}

// CloseStdout unblocks pending Stdout reads.
func (r *Runner) CloseStdout() error {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.stdout == nil {
		return nil
	}
	err := r.stdout.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Pid returns the process id, which is also the process group id. Zero
// before a successful Start.
func (r *Runner) Pid() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.pgid
}

// Signal delivers sig to the whole process group. A group which is already
// gone is not an error.
func (r *Runner) Signal(sig Signal) error {
	pgid := r.Pid()
	if pgid == 0 {
		return ErrNotStarted
	}
	return signalGroup(pgid, sig)
}

// Alive reports whether any member of the process group still exists.
func (r *Runner) Alive() bool {
	pgid := r.Pid()
	if pgid == 0 {
		return false
	}
	return groupAlive(pgid)
}

// Done is closed once the process has exited and was reaped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Result returns the result of the process. Err is ErrNotStarted before Start.
// Zero Stopped means the process is still running.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
