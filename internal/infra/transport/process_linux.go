//go:build linux

package transport

import (
	"os"
	"os/exec"
	"syscall"
)

func setupProcessHandling(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

func interruptProcess(proc *os.Process) error {
	return signalProcessGroup(proc, syscall.SIGTERM)
}

func killProcess(proc *os.Process) error {
	return signalProcessGroup(proc, syscall.SIGKILL)
}

func signalProcessGroup(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return nil
	}
	if err := syscall.Kill(-proc.Pid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
