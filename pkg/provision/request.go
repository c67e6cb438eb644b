package provision

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	// DefaultServiceName is the database engine's systemd service.
	DefaultServiceName = "postgresql"

	// DefaultDatabaseName is the application database.
	DefaultDatabaseName = "vmdb_production"

	// DefaultDatabaseUser is the application login role.
	DefaultDatabaseUser = "appliance"

	// DefaultFilesystemType backs the data volume.
	DefaultFilesystemType = "xfs"

	// DefaultSocketDir is the engine's local socket directory.
	DefaultSocketDir = "/var/run/postgresql"

	// DefaultPort is the engine's listen port.
	DefaultPort = 5432

	// dataPath is the standard data path appended to the mount prefix.
	dataPath = "var/lib/pgsql"
)

// Request is the immutable input to one activation run. Created once
// from external parameters and never mutated; the target disk override
// is a construction parameter, not a post-construction mutation.
type Request struct {
	// Region identifies the appliance region, recorded in the
	// application configuration.
	Region string

	// Interactive must be false; the pipeline is unattended only.
	Interactive bool

	// DiskMounted declares the data volume already in place. Disk
	// selection and volume creation are bypassed; the mount is only
	// validated.
	DiskMounted bool

	// DiskDevice optionally pins the target disk. Resolved by the disk
	// selector when empty.
	DiskDevice string

	// ServiceName is the database engine's service.
	ServiceName string

	// MountPrefix is prepended to the standard data path.
	MountPrefix string

	// FilesystemType for the data volume.
	FilesystemType string

	// DatabaseName, DatabaseUser, DatabasePassword configure the
	// application database. An empty password is replaced by a
	// generated one.
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// PostActivationServices are dependent units started after a
	// successful activation. The first entry is critical; the rest are
	// best-effort.
	PostActivationServices []string

	// StartTimeout bounds each service start wait.
	StartTimeout time.Duration
}

// NewRequest returns a request with defaults applied.
func NewRequest(region string) Request {
	return Request{
		Region:         region,
		ServiceName:    DefaultServiceName,
		MountPrefix:    "/",
		FilesystemType: DefaultFilesystemType,
		DatabaseName:   DefaultDatabaseName,
		DatabaseUser:   DefaultDatabaseUser,
		StartTimeout:   2 * time.Minute,
	}
}

// Validate rejects requests the pipeline cannot run.
func (r Request) Validate() error {
	if r.Interactive {
		return fmt.Errorf("interactive mode is not supported; activation is unattended")
	}
	if r.Region == "" {
		return fmt.Errorf("region is required")
	}
	if r.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if r.DatabaseName == "" || r.DatabaseUser == "" {
		return fmt.Errorf("database name and user are required")
	}
	if r.FilesystemType == "" {
		return fmt.Errorf("filesystem type is required")
	}
	return nil
}

// MountPoint is where the data volume is mounted.
func (r Request) MountPoint() string {
	return filepath.Join(r.MountPrefix, dataPath)
}

// DataDir is the database cluster directory on the data volume.
func (r Request) DataDir() string {
	return filepath.Join(r.MountPoint(), "data")
}

// LogDir is the engine log directory on the data volume.
func (r Request) LogDir() string {
	return filepath.Join(r.MountPoint(), "log")
}
