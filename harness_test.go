//go:build !windows

package harness

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-harness/logging"
	"github.com/ethereum-optimism/op-harness/runner"
	"github.com/ethereum-optimism/op-harness/testplan"
)

const passingApp = `#!/bin/sh
: > "$MOZ_PROCESS_LOG"
printf '%s\n' '{"action":"suite_start"}'
printf '%s\n' '{"action":"test_start","test":"/tests/dom/test_a.html"}'
printf '%s\n' '{"action":"test_status","test":"/tests/dom/test_a.html","subtest":"s","status":"PASS"}'
printf '%s\n' '{"action":"test_end","test":"/tests/dom/test_a.html","status":"OK"}'
printf '%s\n' 'Passed: 1'
printf '%s\n' 'Failed: 0'
printf '%s\n' 'Todo: 0'
printf '%s\n' '{"action":"suite_end"}'
`

const failingApp = `#!/bin/sh
: > "$MOZ_PROCESS_LOG"
printf '%s\n' '{"action":"test_start","test":"/tests/dom/test_a.html"}'
printf '%s\n' '{"action":"test_status","test":"/tests/dom/test_a.html","subtest":"s","status":"FAIL","expected":"PASS","message":"boom"}'
printf '%s\n' '{"action":"test_end","test":"/tests/dom/test_a.html","status":"OK"}'
printf '%s\n' 'Passed: 0'
printf '%s\n' 'Failed: 1'
printf '%s\n' 'Todo: 0'
exit 1
`

func newTestConfig(t *testing.T, app string) *Config {
	t.Helper()
	dir := t.TempDir()
	binary := filepath.Join(dir, "app.sh")
	if app != "" {
		require.NoError(t, os.WriteFile(binary, []byte(app), 0755))
	}
	plan, err := testplan.Parse([]byte("tests:\n  - path: dom/test_a.html\n    manifest: dom/mochitest.toml\n"))
	require.NoError(t, err)
	return &Config{
		AppBinary:  binary,
		ScratchDir: filepath.Join(dir, "scratch"),
		Plan:       plan,
		Mode:       runner.ModeDefault,
		Timeout:    10 * time.Second,
		Structured: true,
		Buffering:  true,
		KillGrace:  2 * time.Second,
		LogDir:     filepath.Join(dir, "logs"),
		Out:        &bytes.Buffer{},
		Log:        log.NewLogger(log.DiscardHandler()),
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(context.Background(), nil, "v0", nil)
	assert.Error(t, err)

	cfg := newTestConfig(t, passingApp)
	cfg.Plan = nil
	_, err = New(context.Background(), cfg, "v0", nil)
	assert.Error(t, err)
}

func TestStartPass(t *testing.T) {
	cfg := newTestConfig(t, passingApp)
	shutdown := make(chan error, 1)
	h, err := New(context.Background(), cfg, "v0", func(err error) { shutdown <- err })
	require.NoError(t, err)

	require.NoError(t, h.Start(context.Background()))
	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback was not called")
	}
	assert.True(t, h.Stopped())
	require.NotNil(t, h.Summary())
	assert.True(t, h.Summary().OK())

	runDir := filepath.Join(cfg.LogDir, logging.RunDirectoryPrefix+h.runID)
	assert.FileExists(t, filepath.Join(runDir, logging.RawEventsFilename))
	assert.FileExists(t, filepath.Join(runDir, "summary.txt"))
	assert.Contains(t, strings.ToUpper(cfg.Out.(*bytes.Buffer).String()), "TEST RESULTS")

	assert.NoError(t, h.Stop(context.Background()))
}

func TestStartFailure(t *testing.T) {
	cfg := newTestConfig(t, failingApp)
	h, err := New(context.Background(), cfg, "v0", nil)
	require.NoError(t, err)

	err = h.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, err.Error(), "1 of 1 invocations failed")
}

func TestStartLaunchFailureRequestsRetry(t *testing.T) {
	cfg := newTestConfig(t, "")
	h, err := New(context.Background(), cfg, "v0", nil)
	require.NoError(t, err)

	err = h.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryError(err))
	assert.True(t, runner.IsLaunchError(err))
	assert.Equal(t, 4, ExitCode(err))
}

func TestStartVerifySavesReport(t *testing.T) {
	cfg := newTestConfig(t, passingApp)
	cfg.Mode = runner.ModeVerify
	h, err := New(context.Background(), cfg, "v0", nil)
	require.NoError(t, err)

	require.NoError(t, h.Start(context.Background()))
	runDir := filepath.Join(cfg.LogDir, logging.RunDirectoryPrefix+h.runID)
	assert.FileExists(t, filepath.Join(runDir, "verification-report.json"))
	assert.FileExists(t, filepath.Join(runDir, "verification-report.html"))
	require.NotNil(t, h.Summary().Verification)
	assert.Equal(t, "STABLE", h.Summary().Verification.Tests[0].Recommendation)
}

func TestStartAuxServerFailure(t *testing.T) {
	cfg := newTestConfig(t, passingApp)
	aux, err := ParseAuxServer("web@127.0.0.1:1=" + filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	cfg.AuxServers = append(cfg.AuxServers, aux)
	h, err := New(context.Background(), cfg, "v0", nil)
	require.NoError(t, err)

	err = h.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Nil(t, h.Summary())
}
