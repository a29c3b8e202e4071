package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum-optimism/op-harness/types"
)

const killPollInterval = 100 * time.Millisecond

// handleTimeout runs when the AUT produced no output for the idle timeout.
func (r *appRun) handleTimeout(ctx context.Context) {
	r.timedOut = true
	r.messages.DisableBuffering()

	msg := fmt.Sprintf(TimeoutMessageFormat, int(r.timeout.Seconds()))
	ev := r.synthesizedEnd(types.StatusTimeout, types.StatusPass, msg)
	r.log.Error("Application timed out", "test", ev.Test, "timeout", r.timeout)
	r.handler.Inject(ev)
	r.state.RecordFirstError(ev.Test, msg)

	r.killTree(ctx, "timeout")
}

// handleInterrupt runs when the run context is cancelled.
func (r *appRun) handleInterrupt(ctx context.Context) {
	r.interrupted = true
	r.messages.DisableBuffering()
	r.log.Warn("Run interrupted, stopping application", "cause", context.Cause(ctx))
	if r.state.IsTestRunning {
		r.handler.Inject(r.synthesizedEnd(types.StatusError, types.StatusPass, "harness interrupted"))
	}
	r.killTree(ctx, "interrupted")
}

// killTree escalates from diagnostics to killing descendants and finally the
// AUT itself. Every wait is bounded and output keeps being processed.
func (r *appRun) killTree(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)
	cfg := r.sup.cfg
	tree := r.sup.tree
	rootDead := func() bool { return !tree.IsAlive(ctx, r.pid) }

	children := r.descendants(ctx)
	r.log.Info("Stopping application", "reason", reason, "pid", r.pid, "children", children)

	if diag, ok := tree.(DiagnosticSignaler); ok && cfg.DiagnosticCapture > 0 {
		for n := 0; n < 2; n++ {
			if rootDead() {
				break
			}
			sent, err := diag.Diagnose(r.pid, n)
			if !sent {
				break
			}
			if err != nil {
				r.log.Warn("Failed to request diagnostics", "pid", r.pid, "err", err)
				break
			}
			r.pump(cfg.DiagnosticCapture, rootDead)
		}
	}

	if r.screen != nil && (cfg.ScreenshotOnTimeout || cfg.ScreenshotOnFail) {
		r.screen.Capture(reason)
	}

	r.killed = true
	for _, pid := range children {
		if !tree.IsAlive(ctx, pid) {
			continue
		}
		if err := tree.Terminate(ctx, pid); err != nil {
			r.log.Warn("Failed to kill child process", "pid", pid, "err", err)
		}
	}
	r.pump(cfg.KillGrace, func() bool { return len(r.alive(ctx, children)) == 0 })
	if alive := r.alive(ctx, children); len(alive) > 0 {
		r.log.Error("Child processes still alive after kill", "pids", alive)
	}

	if !rootDead() {
		if err := tree.Terminate(ctx, r.pid); err != nil {
			r.log.Warn("Failed to kill application", "pid", r.pid, "err", err)
		}
		r.pump(cfg.KillGrace, rootDead)
		if !rootDead() {
			r.log.Error("Application still alive after kill", "pid", r.pid)
		}
	}
}

// descendants is the union of the recursive process tree and the pids the AUT
// recorded in its process log.
func (r *appRun) descendants(ctx context.Context) []int {
	tree, err := r.sup.tree.Children(ctx, r.pid)
	if err != nil {
		r.log.Warn("Failed to list child processes", "pid", r.pid, "err", err)
	}
	logged, _ := r.launchedChildren()
	return mergePids(r.pid, tree, logged)
}

func (r *appRun) alive(ctx context.Context, pids []int) []int {
	var out []int
	for _, pid := range pids {
		if r.sup.tree.IsAlive(ctx, pid) {
			out = append(out, pid)
		}
	}
	return out
}

// pump keeps processing output until done reports true or d elapsed.
func (r *appRun) pump(d time.Duration, done func() bool) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(killPollInterval)
	defer tick.Stop()

	for {
		if done != nil && done() {
			return
		}
		select {
		case line, ok := <-r.lines:
			if !ok {
				r.lines = nil
				continue
			}
			_, _ = r.tail.Write(line)
			r.handler.ProcessLine(line)
		case <-tick.C:
		case <-deadline.C:
			return
		}
	}
}
