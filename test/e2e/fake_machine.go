package e2e

import (
	"context"
	"fmt"
	"sync"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/config"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/disk"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/lvm"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/mount"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/postgres"
)

// fakeDisk is one block device on the fake machine.
type fakeDisk struct {
	device      string
	sizeBytes   int64
	partitioned bool
	mounted     bool
}

// fakeMachine simulates the system state the pipeline mutates: block
// devices, the volume chain, filesystem and mounts, security labels,
// the database cluster, system services, and the application config
// file. Each collaborator method enforces the same idempotency
// contract as its real counterpart, so re-running activation against
// the same machine must succeed without repeating destructive work.
type fakeMachine struct {
	mu sync.Mutex

	disks []*fakeDisk

	vgCreated     bool
	lvCreated     bool
	volumeDisk    string
	formatCount   int
	formatted     bool
	mountPoint    string
	fstabEntries  map[string]mount.Record
	labeledPaths  []string
	preMounted    map[string]bool
	initCount     int
	clusterInit   bool
	servicesUp    map[string]bool
	servicesOn    map[string]bool
	roles         map[string]string
	databases     map[string]string
	writtenConfig *config.ApplicationConfig
	engineReady   bool
}

func newFakeMachine(disks ...*fakeDisk) *fakeMachine {
	return &fakeMachine{
		disks:        disks,
		fstabEntries: map[string]mount.Record{},
		preMounted:   map[string]bool{},
		servicesUp:   map[string]bool{},
		servicesOn:   map[string]bool{},
		roles:        map[string]string{},
		databases:    map[string]string{},
	}
}

func (m *fakeMachine) findDisk(device string) *fakeDisk {
	for _, d := range m.disks {
		if d.device == device {
			return d
		}
	}
	return nil
}

// Select picks the first unpartitioned disk, honoring an override.
func (m *fakeMachine) Select(override string) (*disk.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if override != "" {
		d := m.findDisk(override)
		if d == nil || d.partitioned {
			return nil, fmt.Errorf("device %s: %w", override, disk.ErrNoEligibleDisk)
		}
		return &disk.Candidate{Device: d.device, SizeBytes: d.sizeBytes}, nil
	}
	for _, d := range m.disks {
		if !d.partitioned {
			return &disk.Candidate{Device: d.device, SizeBytes: d.sizeBytes}, nil
		}
	}
	return nil, disk.ErrNoEligibleDisk
}

// Provision builds the partition/VG/LV chain, reusing pieces already
// present from a prior run on the same disk.
func (m *fakeMachine) Provision(cand *disk.Candidate) (*lvm.Layout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vgCreated && m.volumeDisk != cand.Device {
		return nil, fmt.Errorf("volume group on %s: %w", m.volumeDisk, lvm.ErrPartialVolumeState)
	}

	d := m.findDisk(cand.Device)
	if d == nil {
		return nil, fmt.Errorf("device %s: %w", cand.Device, disk.ErrNoEligibleDisk)
	}
	d.partitioned = true
	m.vgCreated = true
	m.lvCreated = true
	m.volumeDisk = cand.Device

	return &lvm.Layout{
		Disk:          cand.Device,
		Partition:     cand.Device + "1",
		VolumeGroup:   lvm.DefaultVolumeGroup,
		LogicalVolume: lvm.DefaultLogicalVolume,
	}, nil
}

// FormatAndMount formats once, mounts, and records the fstab entry.
func (m *fakeMachine) FormatAndMount(device, mountPoint, fsType string) (*mount.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.formatted {
		m.formatted = true
		m.formatCount++
	}
	m.mountPoint = mountPoint
	rec := mount.Record{Device: device, MountPoint: mountPoint, FSType: fsType, Options: "defaults", Dump: 0, Pass: 0}
	m.fstabEntries[device] = rec
	return &rec, nil
}

func (m *fakeMachine) ValidateMounted(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.preMounted[path] && m.mountPoint != path {
		return fmt.Errorf("%s: %w", path, mount.ErrExpectedMountMissing)
	}
	return nil
}

func (m *fakeMachine) UnmountDevice(device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d := m.findDisk(device); d != nil {
		d.mounted = false
	}
	return nil
}

func (m *fakeMachine) Relabel(paths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.labeledPaths = append(m.labeledPaths, paths...)
	return nil
}

// Initialize creates the cluster once; an existing cluster is left
// untouched.
func (m *fakeMachine) Initialize(dataDir string) (*postgres.ClusterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clusterInit {
		return &postgres.ClusterState{DataDir: dataDir, Existing: true}, nil
	}
	m.clusterInit = true
	m.initCount++
	return &postgres.ClusterState{DataDir: dataDir}, nil
}

func (m *fakeMachine) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.engineReady {
		return fmt.Errorf("engine not accepting connections")
	}
	return nil
}

func (m *fakeMachine) EnsureRole(name, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[name]; !ok {
		m.roles[name] = password
	}
	return nil
}

func (m *fakeMachine) EnsureDatabase(name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.databases[name]; !ok {
		m.databases[name] = owner
	}
	return nil
}

func (m *fakeMachine) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servicesUp[name] = true
	if name == "postgresql" {
		m.engineReady = true
	}
	return nil
}

func (m *fakeMachine) Enable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servicesOn[name] = true
	return nil
}

func (m *fakeMachine) Write(cfg config.ApplicationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writtenConfig = &cfg
	return nil
}

func (m *fakeMachine) Verify(cfg config.ApplicationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.engineReady {
		return postgres.ErrVerificationFailed
	}
	if m.databases[cfg.Database] == "" || m.roles[cfg.Username] != cfg.Password {
		return postgres.ErrVerificationFailed
	}
	return nil
}
