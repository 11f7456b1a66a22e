//go:build !unix

package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

func signalGroup(int, Signal) error {
	return fmt.Errorf("%w: %w", ErrSignal, errors.ErrUnsupported)
}

func groupAlive(int) bool {
	return false
}

func returnCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
