// Package lvm creates the partition, volume group, and logical volume
// chain backing the database filesystem.
package lvm

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/disk"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// ErrPartialVolumeState indicates a previous run left partition or LVM
// state behind that conflicts with what this run would create. Operator
// intervention is required; re-running will not clear it.
var ErrPartialVolumeState = errors.New("partial volume state detected")

const (
	// DefaultVolumeGroup is the volume group name for the database volume
	DefaultVolumeGroup = "vg_data"

	// DefaultLogicalVolume is the logical volume name within the group
	DefaultLogicalVolume = "lv_pg"
)

// Layout describes the partition, volume group, and logical volume
// created on a disk.
type Layout struct {
	Disk          string
	Partition     string
	VolumeGroup   string
	LogicalVolume string
}

// DevicePath returns the logical volume device node.
func (l *Layout) DevicePath() string {
	return fmt.Sprintf("/dev/%s/%s", l.VolumeGroup, l.LogicalVolume)
}

// MapperPath returns the device-mapper alias for the logical volume.
func (l *Layout) MapperPath() string {
	return fmt.Sprintf("/dev/mapper/%s-%s", l.VolumeGroup, l.LogicalVolume)
}

// Provisioner creates the volume layout on a selected disk. Each sub-step
// probes existing state first: an object that exactly matches what this
// run would create is reused, anything else fails with
// ErrPartialVolumeState. There is no automatic cleanup or retry.
type Provisioner struct {
	execCommand   utils.ExecCommand
	volumeGroup   string
	logicalVolume string
}

// NewProvisioner creates a provisioner with the default VG/LV names.
func NewProvisioner() *Provisioner {
	return &Provisioner{
		execCommand:   exec.Command,
		volumeGroup:   DefaultVolumeGroup,
		logicalVolume: DefaultLogicalVolume,
	}
}

// Provision creates a single partition spanning the disk, a volume group
// over that partition, and a logical volume consuming the group.
func (p *Provisioner) Provision(cand *disk.Candidate) (*Layout, error) {
	layout := &Layout{
		Disk:          cand.Device,
		Partition:     partitionName(cand.Device),
		VolumeGroup:   p.volumeGroup,
		LogicalVolume: p.logicalVolume,
	}

	if err := p.ensurePartition(layout); err != nil {
		return nil, err
	}
	if err := p.ensurePhysicalVolume(layout); err != nil {
		return nil, err
	}
	if err := p.ensureVolumeGroup(layout); err != nil {
		return nil, err
	}
	if err := p.ensureLogicalVolume(layout); err != nil {
		return nil, err
	}

	klog.V(2).Infof("Volume layout ready: %s", layout.DevicePath())
	return layout, nil
}

// ensurePartition creates one partition spanning the disk, reusing an
// existing sole partition with the expected name.
func (p *Provisioner) ensurePartition(layout *Layout) error {
	parts, err := p.listPartitions(layout.Disk)
	if err != nil {
		return err
	}

	switch {
	case len(parts) == 0:
		klog.V(2).Infof("Creating partition on %s", layout.Disk)
		if _, err := utils.RunCommand(p.execCommand, "parted", layout.Disk,
			"--script", "mklabel", "gpt"); err != nil {
			return err
		}
		if _, err := utils.RunCommand(p.execCommand, "parted", layout.Disk,
			"--script", "mkpart", "primary", "0%", "100%"); err != nil {
			return err
		}
		return nil
	case len(parts) == 1 && parts[0] == layout.Partition:
		klog.V(2).Infof("Reusing existing partition %s", layout.Partition)
		return nil
	default:
		return fmt.Errorf("disk %s has unexpected partitions %v: %w",
			layout.Disk, parts, ErrPartialVolumeState)
	}
}

// ensurePhysicalVolume initializes the partition as an LVM physical volume.
func (p *Provisioner) ensurePhysicalVolume(layout *Layout) error {
	pvs, err := p.physicalVolumes()
	if err != nil {
		return err
	}

	vg, isPV := pvs[layout.Partition]
	switch {
	case !isPV:
		klog.V(2).Infof("Creating physical volume on %s", layout.Partition)
		_, err := utils.RunCommand(p.execCommand, "pvcreate", layout.Partition)
		return err
	case vg == "" || vg == layout.VolumeGroup:
		klog.V(2).Infof("Reusing existing physical volume %s", layout.Partition)
		return nil
	default:
		return fmt.Errorf("partition %s belongs to foreign volume group %q: %w",
			layout.Partition, vg, ErrPartialVolumeState)
	}
}

// ensureVolumeGroup creates the volume group over the physical volume.
func (p *Provisioner) ensureVolumeGroup(layout *Layout) error {
	pvs, err := p.physicalVolumes()
	if err != nil {
		return err
	}

	groupExists := false
	for pv, vg := range pvs {
		if vg != layout.VolumeGroup {
			continue
		}
		if pv != layout.Partition {
			return fmt.Errorf("volume group %s already exists on %s, expected %s: %w",
				layout.VolumeGroup, pv, layout.Partition, ErrPartialVolumeState)
		}
		groupExists = true
	}

	if groupExists {
		klog.V(2).Infof("Reusing existing volume group %s", layout.VolumeGroup)
		return nil
	}

	klog.V(2).Infof("Creating volume group %s on %s", layout.VolumeGroup, layout.Partition)
	_, err = utils.RunCommand(p.execCommand, "vgcreate", layout.VolumeGroup, layout.Partition)
	return err
}

// ensureLogicalVolume creates the logical volume spanning the group.
func (p *Provisioner) ensureLogicalVolume(layout *Layout) error {
	output, err := utils.RunCommand(p.execCommand, "lvs", "--noheadings",
		"-o", "lv_name,vg_name")
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[1] != layout.VolumeGroup {
			continue
		}
		if fields[0] == layout.LogicalVolume {
			klog.V(2).Infof("Reusing existing logical volume %s/%s",
				layout.VolumeGroup, layout.LogicalVolume)
			return nil
		}
		return fmt.Errorf("volume group %s contains unexpected logical volume %q: %w",
			layout.VolumeGroup, fields[0], ErrPartialVolumeState)
	}

	klog.V(2).Infof("Creating logical volume %s/%s", layout.VolumeGroup, layout.LogicalVolume)
	_, err = utils.RunCommand(p.execCommand, "lvcreate", "--yes",
		"-n", layout.LogicalVolume, "-l", "100%FREE", layout.VolumeGroup)
	return err
}

// listPartitions returns partition device paths on the given disk.
func (p *Provisioner) listPartitions(device string) ([]string, error) {
	output, err := utils.RunCommand(p.execCommand, "lsblk", "-nro", "NAME,TYPE", device)
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "part" {
			parts = append(parts, "/dev/"+fields[0])
		}
	}
	return parts, nil
}

// physicalVolumes returns a map of PV device path to owning VG name
// (empty string when the PV is unassigned).
func (p *Provisioner) physicalVolumes() (map[string]string, error) {
	output, err := utils.RunCommand(p.execCommand, "pvs", "--noheadings",
		"-o", "pv_name,vg_name")
	if err != nil {
		// pvs exits nonzero on some systems when no PVs exist
		if strings.Contains(strings.ToLower(string(output)), "no volumes") {
			return map[string]string{}, nil
		}
		return nil, err
	}

	pvs := make(map[string]string)
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			pvs[fields[0]] = ""
		case 2:
			pvs[fields[0]] = fields[1]
		}
	}
	return pvs, nil
}

// partitionName derives the first-partition device path for a disk.
// Devices whose name ends in a digit (nvme0n1, mmcblk0) get a "p" infix.
func partitionName(device string) string {
	if len(device) > 0 && unicode.IsDigit(rune(device[len(device)-1])) {
		return device + "p1"
	}
	return device + "1"
}
