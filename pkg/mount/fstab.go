package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultFstabPath is the system persistent mount table.
const DefaultFstabPath = "/etc/fstab"

// Record is a persistent mount-table entry mapping a device to its mount
// point. Exactly one record exists per device after any number of runs.
type Record struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
	Dump       int
	Pass       int
}

// Line renders the record as an fstab line.
func (r Record) Line() string {
	return fmt.Sprintf("%s %s %s %s %d %d",
		r.Device, r.MountPoint, r.FSType, r.Options, r.Dump, r.Pass)
}

// Fstab reads and updates the persistent mount table.
type Fstab struct {
	// Path is the mount table location, overridable for tests.
	Path string
}

// NewFstab returns an Fstab over /etc/fstab.
func NewFstab() *Fstab {
	return &Fstab{Path: DefaultFstabPath}
}

// Upsert inserts the record, or updates in place when an entry for the
// same device already exists. The rewrite is atomic (temp file + rename)
// so a crash never leaves a truncated mount table.
func (f *Fstab) Upsert(rec Record) error {
	data, err := os.ReadFile(f.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", f.Path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(data) == 0 {
		lines = nil
	}

	replaced := false
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[0] != rec.Device {
			continue
		}
		if line == rec.Line() {
			klog.V(2).Infof("fstab entry for %s already current", rec.Device)
			return nil
		}
		lines[i] = rec.Line()
		replaced = true
		break
	}

	if !replaced {
		lines = append(lines, rec.Line())
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := f.writeAtomic(content); err != nil {
		return err
	}

	if replaced {
		klog.V(2).Infof("Updated fstab entry for %s", rec.Device)
	} else {
		klog.V(2).Infof("Added fstab entry for %s", rec.Device)
	}
	return nil
}

// EntryFor returns the record for the given device, if present.
func (f *Fstab) EntryFor(device string) (*Record, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[0] != device {
			continue
		}
		rec := &Record{
			Device:     fields[0],
			MountPoint: fields[1],
			FSType:     fields[2],
			Options:    fields[3],
		}
		if len(fields) >= 5 {
			fmt.Sscanf(fields[4], "%d", &rec.Dump)
		}
		if len(fields) >= 6 {
			fmt.Sscanf(fields[5], "%d", &rec.Pass)
		}
		return rec, nil
	}
	return nil, nil
}

func (f *Fstab) writeAtomic(content string) error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".fstab-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.Path, err)
	}
	return nil
}
