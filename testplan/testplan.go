package testplan

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/op-harness/types"
)

// Plan is an already resolved test plan
type Plan struct {
	Tests              []types.TestRecord `yaml:"tests"`
	LeakThresholds     map[string]int64   `yaml:"leak_thresholds,omitempty"`
	IgnoreMissingLeaks []string           `yaml:"ignore_missing_leaks,omitempty"`
}

// Load reads and validates a plan file
func Load(path string) (*Plan, error) {
	log.Debug("Reading test plan", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a plan
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing test plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks that the plan can be executed.
func (p *Plan) Validate() error {
	if len(p.Tests) == 0 {
		return fmt.Errorf("test plan has no tests")
	}
	seen := make(map[string]bool, len(p.Tests))
	for i, rec := range p.Tests {
		if rec.Path == "" {
			return fmt.Errorf("test %d has no path", i)
		}
		if seen[rec.Path] {
			return fmt.Errorf("duplicate test %s", rec.Path)
		}
		seen[rec.Path] = true
	}
	if _, err := types.CompileExpectedFailures(p.Tests); err != nil {
		return err
	}
	for processType, limit := range p.LeakThresholds {
		if limit < 0 {
			return fmt.Errorf("negative leak threshold for %s", processType)
		}
	}
	return nil
}

// Thresholds returns the leak thresholds of the plan.
func (p *Plan) Thresholds() types.LeakThresholds {
	out := types.LeakThresholds{
		Thresholds:    make(map[string]int64, len(p.LeakThresholds)),
		IgnoreMissing: make(map[string]bool, len(p.IgnoreMissingLeaks)),
	}
	for k, v := range p.LeakThresholds {
		out.Thresholds[k] = v
	}
	for _, k := range p.IgnoreMissingLeaks {
		out.IgnoreMissing[k] = true
	}
	return out
}

// Manifests returns the distinct manifests in plan order.
func (p *Plan) Manifests() []string {
	var out []string
	seen := make(map[string]bool)
	for _, rec := range p.Tests {
		if rec.Manifest == "" || seen[rec.Manifest] {
			continue
		}
		seen[rec.Manifest] = true
		out = append(out, rec.Manifest)
	}
	return out
}
