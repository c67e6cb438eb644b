package postgres

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/config"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// ErrVerificationFailed indicates the post-activation round-trip check
// could not reach the database with the just-written configuration.
var ErrVerificationFailed = errors.New("verification failed")

// Verifier confirms the database is reachable and correctly provisioned
// using the application's own connection settings. It never mutates state.
type Verifier struct {
	execCommand utils.ExecCommand
}

// NewVerifier creates a verifier backed by psql.
func NewVerifier() *Verifier {
	return &Verifier{execCommand: exec.Command}
}

// Verify opens a connection with the written configuration and executes a
// trivial round-trip query.
func (v *Verifier) Verify(cfg config.ApplicationConfig) error {
	cmd := v.execCommand("psql",
		"-h", cfg.Host,
		"-p", strconv.Itoa(cfg.Port),
		"-U", cfg.Username,
		"-d", cfg.Database,
		"-tAc", "SELECT 1")
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.Password)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("round-trip query failed: %v, output: %s: %w",
			err, strings.TrimSpace(string(output)), ErrVerificationFailed)
	}

	if got := strings.TrimSpace(string(output)); got != "1" {
		return fmt.Errorf("round-trip query returned %q, expected 1: %w", got, ErrVerificationFailed)
	}

	klog.V(2).Infof("Verified database %s as %s", cfg.Database, cfg.Username)
	return nil
}
