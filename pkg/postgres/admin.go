package postgres

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// DefaultReadyTimeout bounds the wait for the engine to accept
// connections after service start.
const DefaultReadyTimeout = 60 * time.Second

// Admin performs role and database administration against the local
// engine via its superuser account.
type Admin struct {
	execCommand  utils.ExecCommand
	readyTimeout time.Duration
}

// NewAdmin creates an admin client over the local socket.
func NewAdmin() *Admin {
	return &Admin{
		execCommand:  exec.Command,
		readyTimeout: DefaultReadyTimeout,
	}
}

// WaitReady blocks until the engine accepts connections, with exponential
// backoff bounded by the ready timeout.
func (a *Admin) WaitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = a.readyTimeout

	operation := func() error {
		_, err := utils.RunCommand(a.execCommand, "pg_isready", "-q")
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("database did not become ready within %s: %w", a.readyTimeout, err)
	}

	klog.V(2).Info("Database is accepting connections")
	return nil
}

// EnsureRole creates the application login role unless a role with that
// name already exists. An existing role is accepted as-is, never
// recreated or altered.
func (a *Admin) EnsureRole(name, password string) error {
	exists, err := a.rowExists(fmt.Sprintf(
		"SELECT 1 FROM pg_roles WHERE rolname = %s", quoteLiteral(name)))
	if err != nil {
		return err
	}
	if exists {
		klog.V(2).Infof("Role %s already exists", name)
		return nil
	}

	stmt := fmt.Sprintf("CREATE ROLE %s LOGIN", quoteIdent(name))
	if password != "" {
		stmt += fmt.Sprintf(" PASSWORD %s", quoteLiteral(password))
	}
	if _, err := a.runSQL(stmt); err != nil {
		return err
	}

	klog.V(2).Infof("Created role %s", name)
	return nil
}

// EnsureDatabase creates the application database owned by owner unless a
// database with that name already exists.
func (a *Admin) EnsureDatabase(name, owner string) error {
	exists, err := a.rowExists(fmt.Sprintf(
		"SELECT 1 FROM pg_database WHERE datname = %s", quoteLiteral(name)))
	if err != nil {
		return err
	}
	if exists {
		klog.V(2).Infof("Database %s already exists", name)
		return nil
	}

	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s", quoteIdent(name), quoteIdent(owner))
	if _, err := a.runSQL(stmt); err != nil {
		return err
	}

	klog.V(2).Infof("Created database %s owned by %s", name, owner)
	return nil
}

// rowExists runs a probe query and reports whether it returned a row.
func (a *Admin) rowExists(query string) (bool, error) {
	out, err := a.runSQL(query)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// runSQL executes a statement as the engine superuser over the local
// socket and returns trimmed output. The statement travels as its own
// argv element; no shell ever sees credential values.
func (a *Admin) runSQL(stmt string) (string, error) {
	out, err := utils.RunCommand(a.execCommand, "runuser", "-u", "postgres", "--", "psql", "-tAc", stmt)
	return strings.TrimSpace(string(out)), err
}

// quoteIdent double-quotes a SQL identifier.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteLiteral single-quotes a SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
