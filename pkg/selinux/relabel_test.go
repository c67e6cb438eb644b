package selinux

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
)

// mockExecCommand creates a mock exec.Cmd for testing
func mockExecCommand(stdout, stderr string, exitCode int) func(string, ...string) *exec.Cmd {
	return func(command string, args ...string) *exec.Cmd {
		cs := []string{"-test.run=TestHelperProcess", "--", command}
		cs = append(cs, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"STDOUT=" + stdout,
			"STDERR=" + stderr,
			"EXIT_CODE=" + fmt.Sprintf("%d", exitCode),
		}
		return cmd
	}
}

// TestHelperProcess is used by mockExecCommand to simulate command execution
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	_, _ = os.Stdout.WriteString(os.Getenv("STDOUT"))
	_, _ = os.Stderr.WriteString(os.Getenv("STDERR"))

	exitCode, _ := strconv.Atoi(os.Getenv("EXIT_CODE"))
	os.Exit(exitCode)
}

func TestRelabel(t *testing.T) {
	r := &Relabeler{execCommand: mockExecCommand("", "", 0)}

	if err := r.Relabel(t.TempDir(), t.TempDir()); err != nil {
		t.Fatalf("Relabel failed: %v", err)
	}
}

func TestRelabelSkipsMissingPath(t *testing.T) {
	// restorecon would fail on a missing path; the mock fails every call
	// to prove it is never invoked.
	r := &Relabeler{execCommand: mockExecCommand("", "No such file", 255)}

	if err := r.Relabel("/does/not/exist"); err != nil {
		t.Fatalf("missing path must be skipped, got: %v", err)
	}
}

func TestRelabelFailure(t *testing.T) {
	r := &Relabeler{execCommand: mockExecCommand("", "restorecon: lstat failed", 1)}

	if err := r.Relabel(t.TempDir()); err == nil {
		t.Fatal("expected restorecon failure to propagate")
	}
}
