package mount

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// ErrExpectedMountMissing indicates the data volume was declared
// pre-mounted but the mount point is not mounted or not writable.
var ErrExpectedMountMissing = errors.New("expected mount missing")

// DefaultMountOptions is the fstab options field for the data volume.
const DefaultMountOptions = "defaults"

// Manager formats the logical volume, registers it in the persistent
// mount table, mounts it, and hands the mounted directory to the
// database owner.
type Manager struct {
	mounter     Mounter
	fstab       *Fstab
	execCommand utils.ExecCommand

	// mounted and statfs are injectable for tests
	mounted func(path string) (bool, error)
	statfs  func(path string, buf *unix.Statfs_t) error
}

// NewManager creates a Manager over the real system.
func NewManager() *Manager {
	return &Manager{
		mounter:     NewMounter(),
		fstab:       NewFstab(),
		execCommand: exec.Command,
		mounted:     mountinfo.Mounted,
		statfs:      unix.Statfs,
	}
}

// FormatAndMount formats the device (skipped when already formatted),
// upserts its fstab record, mounts it at mountPoint unless already
// mounted, and sets database-owner permissions on the mount point.
func (m *Manager) FormatAndMount(device, mountPoint, fsType string) (*Record, error) {
	if err := m.mounter.Format(device, fsType); err != nil {
		return nil, err
	}

	rec := Record{
		Device:     device,
		MountPoint: mountPoint,
		FSType:     fsType,
		Options:    DefaultMountOptions,
	}
	if err := m.fstab.Upsert(rec); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(mountPoint, 0750); err != nil {
		return nil, fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}

	isMounted, err := m.mounted(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to check mount state of %s: %w", mountPoint, err)
	}
	if isMounted {
		klog.V(2).Infof("%s is already mounted", mountPoint)
	} else if err := m.mounter.Mount(device, mountPoint, fsType, nil); err != nil {
		return nil, err
	}

	if err := m.setOwnership(mountPoint); err != nil {
		return nil, err
	}

	return &rec, nil
}

// ValidateMounted confirms the path is an active, writable mount point.
// Used instead of FormatAndMount when the data volume was declared
// pre-mounted.
func (m *Manager) ValidateMounted(path string) error {
	isMounted, err := m.mounted(path)
	if err != nil {
		return fmt.Errorf("failed to check mount state of %s: %w", path, err)
	}
	if !isMounted {
		return fmt.Errorf("%s is not mounted: %w", path, ErrExpectedMountMissing)
	}

	var st unix.Statfs_t
	if err := m.statfs(path, &st); err != nil {
		return fmt.Errorf("statfs %s failed: %w", path, err)
	}
	if st.Flags&unix.ST_RDONLY != 0 {
		return fmt.Errorf("%s is mounted read-only: %w", path, ErrExpectedMountMissing)
	}

	probe := filepath.Join(path, ".provision-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("%s is not writable: %v: %w", path, err, ErrExpectedMountMissing)
	}
	if err := os.Remove(probe); err != nil {
		klog.Warningf("Failed to remove probe file %s: %v", probe, err)
	}

	klog.V(2).Infof("Validated pre-mounted volume at %s", path)
	return nil
}

// UnmountDevice unmounts every mount of the given source device.
// Ephemeral cloud disks can come up mounted; they must be released
// before partitioning.
func (m *Manager) UnmountDevice(device string) error {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return fmt.Errorf("failed to list mounts: %w", err)
	}

	for _, mnt := range mounts {
		if mnt.Source != device {
			continue
		}
		klog.V(2).Infof("Unmounting %s from %s before provisioning", device, mnt.Mountpoint)
		if err := m.mounter.Unmount(mnt.Mountpoint); err != nil {
			return err
		}
	}
	return nil
}

// setOwnership hands the mount point to the database system account.
func (m *Manager) setOwnership(path string) error {
	if _, err := utils.RunCommand(m.execCommand, "chown", "postgres:postgres", path); err != nil {
		return err
	}
	if err := os.Chmod(path, 0700); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}
