//go:build windows

package runner

import (
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

func signaledBy(state interface{ Sys() any }) (string, bool) {
	return "", false
}
