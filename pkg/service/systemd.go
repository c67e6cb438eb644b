// Package service controls systemd units for the database engine and its
// dependent services over the dbus API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// ErrServiceStartTimeout indicates the unit did not reach the active
// state within the bounded wait. Fatal to activation.
var ErrServiceStartTimeout = errors.New("service start timeout")

// DBusAPI is the subset of the systemd dbus connection the activator
// uses, extracted so tests can substitute a stub.
type DBusAPI interface {
	Close()
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	ReloadContext(ctx context.Context) error
}

// Activator starts and enables systemd services.
type Activator struct {
	newConn     func(ctx context.Context) (DBusAPI, error)
	waitBackoff wait.Backoff
}

// NewActivator creates an activator over the system dbus.
func NewActivator() *Activator {
	// Unit activation needs a longer, gentler wait than command retries.
	backoff := utils.DefaultBackoffConfig()
	backoff.Steps = 10
	backoff.Factor = 1.5

	return &Activator{
		newConn: func(ctx context.Context) (DBusAPI, error) {
			return dbus.NewWithContext(ctx)
		},
		waitBackoff: backoff,
	}
}

// Start starts the unit and waits for it to reach the active state.
// An already-active unit is success.
func (a *Activator) Start(ctx context.Context, name string) error {
	unit := unitName(name)

	conn, err := a.newConn(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to dbus: %w", err)
	}
	defer conn.Close()

	active, err := a.isActive(ctx, conn, unit)
	if err != nil {
		return err
	}
	if active {
		klog.V(2).Infof("Service %s already running", unit)
		return nil
	}

	statusCh := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", statusCh); err != nil {
		return fmt.Errorf("dbus start request for %s failed: %w", unit, err)
	}

	select {
	case status := <-statusCh:
		if status != "done" && status != "skipped" {
			return fmt.Errorf("start job for %s finished with status %q", unit, status)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.waitActive(ctx, conn, unit); err != nil {
		return err
	}

	klog.V(2).Infof("Service %s started", unit)
	return nil
}

// Enable registers the unit to start on boot.
func (a *Activator) Enable(ctx context.Context, name string) error {
	unit := unitName(name)

	conn, err := a.newConn(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to dbus: %w", err)
	}
	defer conn.Close()

	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return fmt.Errorf("failed to enable %s: %w", unit, err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon reload after enabling %s failed: %w", unit, err)
	}

	klog.V(2).Infof("Service %s enabled at boot", unit)
	return nil
}

// Running reports whether the unit is loaded and active.
func (a *Activator) Running(ctx context.Context, name string) (bool, error) {
	conn, err := a.newConn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect to dbus: %w", err)
	}
	defer conn.Close()

	return a.isActive(ctx, conn, unitName(name))
}

func (a *Activator) isActive(ctx context.Context, conn DBusAPI, unit string) (bool, error) {
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return false, fmt.Errorf("failed to query %s from dbus: %w", unit, err)
	}

	for _, u := range units {
		if u.Name == unit {
			return u.LoadState == "loaded" && u.ActiveState == "active", nil
		}
	}
	return false, nil
}

// waitActive polls the unit state until active or the backoff is
// exhausted.
func (a *Activator) waitActive(ctx context.Context, conn DBusAPI, unit string) error {
	err := utils.RetryWithBackoff(ctx, a.waitBackoff, func() error {
		active, err := a.isActive(ctx, conn, unit)
		if err != nil {
			return err
		}
		if !active {
			// classified retryable by utils.IsRetryableError
			return fmt.Errorf("unit is activating")
		}
		return nil
	})

	if wait.Interrupted(err) {
		return fmt.Errorf("%s did not become active: %w", unit, ErrServiceStartTimeout)
	}
	return err
}

// unitName appends the .service suffix when the caller passed a bare
// service name.
func unitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}
