//go:build unix

package job

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the process group led by pid. A group that is
// already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

func terminateGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// killTree SIGKILLs every descendant of pid, deepest first, then the
// process group. Descendants that left the group with setsid are caught by
// the tree walk.
func killTree(pid int) error {
	if p, err := process.NewProcess(int32(pid)); err == nil {
		killDescendants(p)
	}
	return signalGroup(pid, syscall.SIGKILL)
}

func killDescendants(p *process.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		killDescendants(c)
		_ = c.Kill()
	}
}

// exitCode returns the process exit code, or 128+signal when it was killed
// by a signal.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
