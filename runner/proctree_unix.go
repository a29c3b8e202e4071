//go:build !windows

package runner

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

var (
	_ GroupLister        = (*systemProcessTree)(nil)
	_ DiagnosticSignaler = (*systemProcessTree)(nil)
)

var diagnosticSignals = []unix.Signal{unix.SIGUSR1, unix.SIGUSR2}

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (t *systemProcessTree) GroupMembers(ctx context.Context, pgid int) ([]int, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	var out []int
	for _, pid := range pids {
		if g, err := unix.Getpgid(int(pid)); err == nil && g == pgid {
			out = append(out, int(pid))
		}
	}
	sort.Ints(out)
	return out, nil
}

func (t *systemProcessTree) Diagnose(pid int, n int) (bool, error) {
	if n < 0 || n >= len(diagnosticSignals) {
		return false, nil
	}
	if err := unix.Kill(pid, diagnosticSignals[n]); err != nil {
		return true, fmt.Errorf("failed to send %v to %d: %w", diagnosticSignals[n], pid, err)
	}
	return true, nil
}

// signaledBy returns the signal that terminated the process, if any.
func signaledBy(state interface{ Sys() any }) (string, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	return unix.SignalName(ws.Signal()), true
}
