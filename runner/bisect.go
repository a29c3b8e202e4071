package runner

import (
	"context"
	"errors"
	"slices"

	"github.com/ethereum-optimism/op-harness/metrics"
	"github.com/ethereum-optimism/op-harness/types"
)

// BisectOutcome classifies how a bisection ended
type BisectOutcome string

const (
	// BisectNoRepro means the full worklist did not fail.
	BisectNoRepro BisectOutcome = "no-repro"
	// BisectIntrinsic means the failing test fails on its own.
	BisectIntrinsic BisectOutcome = "intrinsic"
	// BisectBleedthrough means an earlier test causes the failure.
	BisectBleedthrough BisectOutcome = "bleedthrough"
	// BisectInconclusive means the failure could not be pinned on an ordering:
	// no subset of the earlier tests reproduced it, or the full run failed
	// without a failing test.
	BisectInconclusive BisectOutcome = "inconclusive"
	BisectStopped      BisectOutcome = "stopped"
)

// BisectionStep is one invocation of the search.
type BisectionStep struct {
	Tests  []string
	Failed bool
}

// BisectionResult is the outcome of a bisection run
type BisectionResult struct {
	Outcome BisectOutcome
	// Failing is the first test that failed in the full run.
	Failing string
	// Culprit is the earlier test that makes Failing fail. Only set for
	// BisectBleedthrough.
	Culprit     string
	Steps       []BisectionStep
	Invocations int
}

// bisect runs the full worklist, then narrows down why its first failing
// test fails.
func (c *Controller) bisect(ctx context.Context) (*BisectionResult, error) {
	res := &BisectionResult{}
	defer func() {
		res.Invocations = len(res.Steps)
		metrics.RecordBisection(c.cfg.RunID, string(res.Outcome), res.Invocations)
		c.log.Info("Bisection finished", "outcome", res.Outcome, "failing", res.Failing,
			"culprit", res.Culprit, "invocations", res.Invocations)
	}()

	// fails runs the given tests and reports whether target failed.
	fails := func(tests []types.TestRecord, target *types.TestRecord) (*Invocation, bool, error) {
		inv, err := c.runOnce(ctx, "bisect", tests, c.stepOptions(""), true)
		if err != nil {
			return nil, false, err
		}
		failed := false
		if target != nil {
			failed = inv.TestFailed(*target)
		}
		res.Steps = append(res.Steps, BisectionStep{Tests: testPaths(tests), Failed: failed})
		return inv, failed, nil
	}

	stop := func(err error) (*BisectionResult, error) {
		if errors.Is(err, ErrStopped) {
			res.Outcome = BisectStopped
		}
		return res, err
	}

	full, _, err := fails(c.cfg.Tests, nil)
	if err != nil {
		return stop(err)
	}
	idx := slices.IndexFunc(c.cfg.Tests, full.TestFailed)
	if idx < 0 {
		if full.Failed() {
			// The run failed but no test carries the blame.
			res.Steps[0].Failed = true
			res.Outcome = BisectInconclusive
			c.log.Warn("Full run failed without a failing test", "result", full.Result.String())
			return res, nil
		}
		res.Steps[0].Failed = false
		res.Outcome = BisectNoRepro
		return res, nil
	}
	res.Steps[0].Failed = true
	target := c.cfg.Tests[idx]
	res.Failing = target.Path
	c.log.Info("Found failing test", "test", target.Path, "index", idx)

	_, failed, err := fails([]types.TestRecord{target}, &target)
	if err != nil {
		return stop(err)
	}
	if failed {
		res.Outcome = BisectIntrinsic
		return res, nil
	}

	candidates := slices.Clone(c.cfg.Tests[:idx])
	for len(candidates) > 1 {
		mid := len(candidates) / 2
		halves := [][]types.TestRecord{candidates[:mid], candidates[mid:]}
		found := false
		for _, half := range halves {
			c.log.Info("Bisecting", "candidates", len(candidates), "trying", len(half))
			_, failed, err := fails(append(slices.Clone(half), target), &target)
			if err != nil {
				return stop(err)
			}
			if failed {
				candidates = half
				found = true
				break
			}
		}
		if !found {
			res.Outcome = BisectInconclusive
			return res, nil
		}
	}
	if len(candidates) == 0 {
		res.Outcome = BisectInconclusive
		return res, nil
	}
	res.Outcome = BisectBleedthrough
	res.Culprit = candidates[0].Path
	return res, nil
}
