// Package utils provides shared helpers for running system commands and
// retrying transient failures.
package utils

import (
	"fmt"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"
)

// ExecCommand is the function type used to construct system commands.
// Packages hold one of these as a struct field so tests can substitute
// a mock instead of touching the real machine.
type ExecCommand func(name string, args ...string) *exec.Cmd

// RunCommand executes a command, captures combined output, and wraps any
// failure with the command line and its output.
func RunCommand(execCommand ExecCommand, name string, args ...string) ([]byte, error) {
	klog.V(4).Infof("Running command: %s %s", name, strings.Join(args, " "))

	cmd := execCommand(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w, output: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}

	klog.V(5).Infof("%s output: %s", name, strings.TrimSpace(string(output)))
	return output, nil
}
