package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"k8s.io/apimachinery/pkg/util/wait"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// stubDBus fakes the systemd dbus connection
type stubDBus struct {
	active      bool
	startCalls  int
	enableCalls int
	reloadCalls int
	startStatus string
	listErr     error
	activateLag int // ListUnits calls before the unit reports active
	listCalls   int
}

func (s *stubDBus) Close() {}

func (s *stubDBus) ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error) {
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	if s.activateLag > 0 && s.listCalls > s.activateLag {
		s.active = true
	}
	state := "inactive"
	if s.active {
		state = "active"
	}
	return []dbus.UnitStatus{
		{Name: units[0], LoadState: "loaded", ActiveState: state},
	}, nil
}

func (s *stubDBus) StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	s.startCalls++
	status := s.startStatus
	if status == "" {
		status = "done"
	}
	ch <- status
	return 1, nil
}

func (s *stubDBus) EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	s.enableCalls++
	return true, nil, nil
}

func (s *stubDBus) ReloadContext(ctx context.Context) error {
	s.reloadCalls++
	return nil
}

func testActivator(stub *stubDBus) *Activator {
	return &Activator{
		newConn: func(ctx context.Context) (DBusAPI, error) { return stub, nil },
		waitBackoff: wait.Backoff{
			Steps:    5,
			Duration: time.Millisecond,
			Factor:   1.0,
		},
	}
}

func TestStartAlreadyActive(t *testing.T) {
	stub := &stubDBus{active: true}
	a := testActivator(stub)

	if err := a.Start(context.Background(), "postgresql"); err != nil {
		t.Fatalf("Start of active unit must succeed, got %v", err)
	}
	if stub.startCalls != 0 {
		t.Errorf("already-active unit must not be restarted, got %d start calls", stub.startCalls)
	}
}

func TestStartWaitsForActive(t *testing.T) {
	// unit becomes active after a few state polls
	stub := &stubDBus{activateLag: 3}
	a := testActivator(stub)

	if err := a.Start(context.Background(), "postgresql"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if stub.startCalls != 1 {
		t.Errorf("expected one start request, got %d", stub.startCalls)
	}
}

func TestStartTimeout(t *testing.T) {
	// unit never becomes active
	stub := &stubDBus{}
	a := testActivator(stub)

	err := a.Start(context.Background(), "postgresql")
	if !errors.Is(err, ErrServiceStartTimeout) {
		t.Fatalf("expected ErrServiceStartTimeout, got %v", err)
	}
}

func TestStartJobFailed(t *testing.T) {
	stub := &stubDBus{startStatus: "failed"}
	a := testActivator(stub)

	err := a.Start(context.Background(), "postgresql")
	if err == nil {
		t.Fatal("expected error for failed start job")
	}
	if errors.Is(err, ErrServiceStartTimeout) {
		t.Error("job failure is not a timeout")
	}
}

func TestEnable(t *testing.T) {
	stub := &stubDBus{}
	a := testActivator(stub)

	if err := a.Enable(context.Background(), "postgresql"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if stub.enableCalls != 1 || stub.reloadCalls != 1 {
		t.Errorf("expected enable and reload, got %d/%d", stub.enableCalls, stub.reloadCalls)
	}
}

func TestRunning(t *testing.T) {
	stub := &stubDBus{active: true}
	a := testActivator(stub)

	running, err := a.Running(context.Background(), "postgresql")
	if err != nil {
		t.Fatalf("Running failed: %v", err)
	}
	if !running {
		t.Error("expected running")
	}
}

func TestUnitName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgresql", "postgresql.service"},
		{"postgresql.service", "postgresql.service"},
		{"pgsql.socket", "pgsql.socket"},
	}

	for _, tt := range tests {
		if got := unitName(tt.in); got != tt.want {
			t.Errorf("unitName(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewActivatorBackoff(t *testing.T) {
	a := NewActivator()
	def := utils.DefaultBackoffConfig()

	if a.waitBackoff.Duration != def.Duration || a.waitBackoff.Jitter != def.Jitter {
		t.Errorf("wait backoff should derive from the shared default, got %+v", a.waitBackoff)
	}
	if a.waitBackoff.Steps != 10 {
		t.Errorf("expected 10 wait steps, got %d", a.waitBackoff.Steps)
	}
}
