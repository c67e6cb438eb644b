package mount

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// Mounter handles filesystem operations on the data volume.
type Mounter interface {
	// Mount mounts source at target with the given fsType and options
	Mount(source, target, fsType string, options []string) error

	// Unmount unmounts the target
	Unmount(target string) error

	// IsLikelyMountPoint checks if a path is a mount point
	IsLikelyMountPoint(path string) (bool, error)

	// Format creates a filesystem on the device unless one exists
	Format(device, fsType string) error

	// IsFormatted checks if device has a filesystem
	IsFormatted(device string) (bool, error)
}

type mounter struct {
	execCommand utils.ExecCommand
}

// NewMounter creates a Mounter backed by the system mount utilities.
func NewMounter() Mounter {
	return &mounter{execCommand: exec.Command}
}

func (m *mounter) Mount(source, target, fsType string, options []string) error {
	if err := os.MkdirAll(target, 0750); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", target, err)
	}

	args := []string{}
	if fsType != "" {
		args = append(args, "-t", fsType)
	}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, source, target)

	if _, err := utils.RunCommand(m.execCommand, "mount", args...); err != nil {
		return err
	}
	klog.V(2).Infof("Mounted %s at %s (%s)", source, target, fsType)
	return nil
}

func (m *mounter) Unmount(target string) error {
	mounted, err := m.IsLikelyMountPoint(target)
	if err != nil {
		return fmt.Errorf("failed to check mount state of %s: %w", target, err)
	}
	if !mounted {
		klog.V(2).Infof("Path %s is not mounted, nothing to unmount", target)
		return nil
	}

	if _, err := utils.RunCommand(m.execCommand, "umount", target); err != nil {
		return err
	}
	klog.V(2).Infof("Unmounted %s", target)
	return nil
}

func (m *mounter) IsLikelyMountPoint(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	// findmnt exits non-zero when the path is not a mount point
	output, err := utils.RunCommand(m.execCommand, "findmnt", "-o", "TARGET", "-n", "-M", path)
	if err != nil {
		klog.V(5).Infof("findmnt on %s: %v", path, err)
		return false, nil
	}
	return len(output) > 0, nil
}

// Format creates a filesystem on the device. A device that already
// carries one is left alone, so re-running against a provisioned volume
// never destroys data.
func (m *mounter) Format(device, fsType string) error {
	formatted, err := m.IsFormatted(device)
	if err != nil {
		return fmt.Errorf("failed to probe filesystem on %s: %w", device, err)
	}
	if formatted {
		klog.V(2).Infof("Device %s already carries a filesystem, skipping format", device)
		return nil
	}

	var name string
	var args []string
	switch fsType {
	case "xfs":
		name, args = "mkfs.xfs", []string{"-f", device}
	case "ext4":
		name, args = "mkfs.ext4", []string{"-F", device}
	default:
		return fmt.Errorf("unsupported filesystem type: %s", fsType)
	}

	if _, err := utils.RunCommand(m.execCommand, name, args...); err != nil {
		return err
	}
	klog.V(2).Infof("Created %s filesystem on %s", fsType, device)
	return nil
}

func (m *mounter) IsFormatted(device string) (bool, error) {
	// blkid exits 2 when no filesystem is found
	output, err := utils.RunCommand(m.execCommand, "blkid", "-o", "value", "-s", "TYPE", device)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 2") {
			return false, nil
		}
		return false, fmt.Errorf("blkid failed on %s: %w", device, err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}
