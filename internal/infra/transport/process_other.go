//go:build !linux

package transport

import (
	"errors"
	"os"
	"os/exec"
)

func setupProcessHandling(_ *exec.Cmd) {}

func interruptProcess(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	if err := proc.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return killProcess(proc)
	}
	return nil
}

func killProcess(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
