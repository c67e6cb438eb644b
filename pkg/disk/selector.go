// Package disk enumerates local block devices and selects the disk the
// database volume will be created on.
package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// ErrNoEligibleDisk indicates no unpartitioned disk is available.
// Use errors.Is() to check for this rather than string matching.
var ErrNoEligibleDisk = errors.New("no eligible disk found")

// Candidate is a physical disk eligible for provisioning.
type Candidate struct {
	// Device is the full device path (e.g. /dev/sdb)
	Device string

	// SizeBytes is the disk capacity in bytes
	SizeBytes int64

	// Partitions lists existing partition device names. Empty for an
	// eligible candidate.
	Partitions []string
}

// Selector chooses the physical disk to use for data storage.
type Selector struct {
	execCommand utils.ExecCommand
}

// NewSelector creates a disk selector backed by lsblk.
func NewSelector() *Selector {
	return &Selector{execCommand: exec.Command}
}

// lsblk -J output structures
type lsblkDevice struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Size     int64         `json:"size"`
	Children []lsblkDevice `json:"children,omitempty"`
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

// Select returns the first unpartitioned disk in lsblk enumeration order.
// If override is non-empty, that device is used instead of enumeration,
// but it must still exist and be unpartitioned. Returns ErrNoEligibleDisk
// when no disk qualifies.
func (s *Selector) Select(override string) (*Candidate, error) {
	candidates, err := s.enumerate()
	if err != nil {
		return nil, err
	}

	if override != "" {
		for _, c := range candidates {
			if c.Device != override {
				continue
			}
			if len(c.Partitions) > 0 {
				return nil, fmt.Errorf("disk %s has existing partitions %v: %w",
					override, c.Partitions, ErrNoEligibleDisk)
			}
			klog.V(2).Infof("Using requested disk %s (%d bytes)", c.Device, c.SizeBytes)
			return c, nil
		}
		return nil, fmt.Errorf("requested disk %s not found: %w", override, ErrNoEligibleDisk)
	}

	for _, c := range candidates {
		if len(c.Partitions) == 0 {
			klog.V(2).Infof("Selected unpartitioned disk %s (%d bytes)", c.Device, c.SizeBytes)
			return c, nil
		}
		klog.V(4).Infof("Skipping disk %s: has partitions %v", c.Device, c.Partitions)
	}

	return nil, ErrNoEligibleDisk
}

// enumerate lists local disks in stable lsblk order.
func (s *Selector) enumerate() ([]*Candidate, error) {
	output, err := utils.RunCommand(s.execCommand, "lsblk", "-J", "-b", "-o", "NAME,TYPE,SIZE")
	if err != nil {
		return nil, err
	}

	var parsed lsblkOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	var candidates []*Candidate
	for _, dev := range parsed.Blockdevices {
		if dev.Type != "disk" {
			continue
		}

		c := &Candidate{
			Device:    devicePath(dev.Name),
			SizeBytes: dev.Size,
		}
		for _, child := range dev.Children {
			if child.Type == "part" {
				c.Partitions = append(c.Partitions, devicePath(child.Name))
			}
		}
		candidates = append(candidates, c)
	}

	klog.V(4).Infof("Enumerated %d disks", len(candidates))
	return candidates, nil
}

func devicePath(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return filepath.Join("/dev", name)
}
