package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Screenshotter captures the screen for post-mortem analysis.
type Screenshotter interface {
	Capture(reason string)
}

// onceScreenshotter forwards only the first capture request of a run.
type onceScreenshotter struct {
	once  sync.Once
	inner Screenshotter
}

// NewOnceScreenshotter wraps s so at most one capture happens.
func NewOnceScreenshotter(s Screenshotter) Screenshotter {
	if s == nil {
		return nil
	}
	return &onceScreenshotter{inner: s}
}

func (o *onceScreenshotter) Capture(reason string) {
	o.once.Do(func() { o.inner.Capture(reason) })
}

// CommandScreenshotter runs an external utility that writes a screenshot into
// OutputDir.
type CommandScreenshotter struct {
	log       log.Logger
	command   string
	args      []string
	outputDir string
	timeout   time.Duration
	now       func() time.Time
}

// NewCommandScreenshotter creates a screenshotter invoking command with args
// followed by the destination file.
func NewCommandScreenshotter(logger log.Logger, command string, args []string, outputDir string, timeout time.Duration) *CommandScreenshotter {
	if logger == nil {
		logger = log.New()
	}
	if timeout <= 0 {
		timeout = DefaultScreenshotTimeout
	}
	return &CommandScreenshotter{
		log:       logger,
		command:   command,
		args:      args,
		outputDir: outputDir,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (c *CommandScreenshotter) Capture(reason string) {
	if c.command == "" {
		return
	}
	if err := os.MkdirAll(c.outputDir, 0755); err != nil {
		c.log.Error("Failed to create screenshot directory", "dir", c.outputDir, "err", err)
		return
	}
	dest := filepath.Join(c.outputDir, "screenshot-"+c.now().Format("20060102-150405")+".png")

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	args := append(append([]string{}, c.args...), dest)
	out, err := exec.CommandContext(ctx, c.command, args...).CombinedOutput()
	if err != nil {
		c.log.Error("Screenshot failed", "reason", reason, "err", err, "output", string(out))
		return
	}
	c.log.Info("Captured screenshot", "reason", reason, "file", dest)
}
