//go:build unix

package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcAttr(cmd *exec.Cmd) {
	// new session: pid == pgid and no controlling terminal
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func signalGroup(pgid int, sig Signal) error {
	var s unix.Signal
	switch sig {
	case SignalSuspend:
		s = unix.SIGSTOP
	case SignalContinue:
		s = unix.SIGCONT
	case SignalTerminate:
		s = unix.SIGTERM
	case SignalKill:
		s = unix.SIGKILL
	default:
		return fmt.Errorf("%w: unsupported signal %d", ErrSignal, sig)
	}
	err := unix.Kill(-pgid, s)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("%w: %s to group %d: %w", ErrSignal, sig, pgid, err)
}

func groupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func returnCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
