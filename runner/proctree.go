package runner

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTree inspects and kills processes spawned by the AUT.
type ProcessTree interface {
	// Children returns every descendant of pid, recursively.
	Children(ctx context.Context, pid int) ([]int, error)
	// IsAlive reports whether pid exists and is not a zombie.
	IsAlive(ctx context.Context, pid int) bool
	// Terminate force-kills pid.
	Terminate(ctx context.Context, pid int) error
}

// GroupLister is implemented by process trees that can list the members of a
// process group.
type GroupLister interface {
	GroupMembers(ctx context.Context, pgid int) ([]int, error)
}

// DiagnosticSignaler is implemented by process trees that can ask a process to
// dump diagnostics before it is killed.
type DiagnosticSignaler interface {
	// Diagnose sends the n-th diagnostic signal (0 or 1). It returns false when
	// the platform has no such signal.
	Diagnose(pid int, n int) (bool, error)
}

var _ ProcessTree = (*systemProcessTree)(nil)

// systemProcessTree is backed by gopsutil.
type systemProcessTree struct{}

// NewProcessTree returns the platform process tree.
func NewProcessTree() ProcessTree {
	return &systemProcessTree{}
}

func (t *systemProcessTree) parents(ctx context.Context) (map[int][]int, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	children := make(map[int][]int)
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[int(ppid)] = append(children[int(ppid)], int(pid))
	}
	return children, nil
}

func (t *systemProcessTree) Children(ctx context.Context, pid int) ([]int, error) {
	tree, err := t.parents(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	seen := map[int]bool{pid: true}
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range tree[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (t *systemProcessTree) IsAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

func (t *systemProcessTree) Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}

// mergePids returns the sorted union of the given pid lists without pids <= 0
// or the excluded pid.
func mergePids(exclude int, lists ...[]int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, list := range lists {
		for _, pid := range list {
			if pid <= 0 || pid == exclude || seen[pid] {
				continue
			}
			seen[pid] = true
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out
}
