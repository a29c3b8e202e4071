package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-harness/types"
)

// StepOptions tune a single invocation prepared by a Launcher.
type StepOptions struct {
	// Repeat is the number of extra in-process repetitions of the worklist.
	Repeat          int
	RunUntilFailure bool
	// ExtraEnv is appended to the AUT environment and recorded in the manifest.
	ExtraEnv map[string]string
	Manifest string
}

// Launcher prepares a fresh profile and manifest for every invocation.
type Launcher interface {
	Prepare(ctx context.Context, tests []types.TestRecord, opts StepOptions) (*LaunchSpec, error)
	Cleanup(spec *LaunchSpec) error
}

// StaticLauncherConfig is the part of a LaunchSpec that does not change
// between invocations.
type StaticLauncherConfig struct {
	Logger      log.Logger
	Binary      string
	Args        []string
	Env         []string
	Dir         string
	TestURL     string
	ScratchDir  string
	LeakLog     bool
	Interactive bool
}

// testsManifest is the content of <profile>/tests.json
type testsManifest struct {
	Tests           []types.TestRecord `json:"tests"`
	Repeat          int                `json:"repeat"`
	RunUntilFailure bool               `json:"runUntilFailure"`
	Environment     map[string]string  `json:"environment,omitempty"`
	Manifest        string             `json:"manifest,omitempty"`
}

// StaticLauncher builds launch specs from a fixed configuration. Every
// Prepare creates a new profile directory which Cleanup removes again.
type StaticLauncher struct {
	cfg StaticLauncherConfig
	log log.Logger
}

var _ Launcher = (*StaticLauncher)(nil)

func NewStaticLauncher(cfg StaticLauncherConfig) (*StaticLauncher, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("binary cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	return &StaticLauncher{cfg: cfg, log: cfg.Logger}, nil
}

func (l *StaticLauncher) Prepare(ctx context.Context, tests []types.TestRecord, opts StepOptions) (*LaunchSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.cfg.ScratchDir != "" {
		if err := os.MkdirAll(l.cfg.ScratchDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}
	profile, err := os.MkdirTemp(l.cfg.ScratchDir, "harness-profile-")
	if err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(profile, MinidumpsDir), 0755); err != nil {
		_ = os.RemoveAll(profile)
		return nil, fmt.Errorf("failed to create minidumps directory: %w", err)
	}

	manifest := testsManifest{
		Tests:           tests,
		Repeat:          opts.Repeat,
		RunUntilFailure: opts.RunUntilFailure,
		Environment:     opts.ExtraEnv,
		Manifest:        opts.Manifest,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		_ = os.RemoveAll(profile)
		return nil, fmt.Errorf("failed to marshal tests manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(profile, TestsManifestFile), data, 0644); err != nil {
		_ = os.RemoveAll(profile)
		return nil, fmt.Errorf("failed to write tests manifest: %w", err)
	}

	env := slices.Clone(l.cfg.Env)
	for _, k := range slices.Sorted(maps.Keys(opts.ExtraEnv)) {
		env = append(env, fmt.Sprintf("%s=%s", k, opts.ExtraEnv[k]))
	}

	args := append(slices.Clone(l.cfg.Args), "-profile", profile)
	if l.cfg.TestURL != "" {
		args = append(args, l.cfg.TestURL)
	}

	spec := &LaunchSpec{
		Binary:      l.cfg.Binary,
		Args:        args,
		Env:         env,
		Dir:         l.cfg.Dir,
		TestURL:     l.cfg.TestURL,
		ProfileDir:  profile,
		Manifest:    opts.Manifest,
		Interactive: l.cfg.Interactive,
	}
	if l.cfg.LeakLog {
		spec.LeakLogPath = filepath.Join(profile, "runtests_leaks.log")
	}
	l.log.Debug("Prepared profile", "profile", profile, "tests", len(tests), "repeat", opts.Repeat)
	return spec, nil
}

func (l *StaticLauncher) Cleanup(spec *LaunchSpec) error {
	if spec == nil || spec.ProfileDir == "" {
		return nil
	}
	if err := os.RemoveAll(spec.ProfileDir); err != nil {
		return fmt.Errorf("failed to remove profile %s: %w", spec.ProfileDir, err)
	}
	return nil
}
