package postgres

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// Sentinel errors for cluster initialization.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrInitializationFailed indicates initdb reported an error. Fatal;
	// never retried automatically.
	ErrInitializationFailed = errors.New("cluster initialization failed")

	// ErrCorruptClusterState indicates cluster metadata exists but is
	// unreadable or inconsistent. Operator intervention required.
	ErrCorruptClusterState = errors.New("cluster state corrupt")
)

// versionFile is the cluster metadata marker initdb writes.
const versionFile = "PG_VERSION"

// ClusterState describes an on-disk database cluster directory.
type ClusterState struct {
	// DataDir is the cluster directory
	DataDir string

	// Version is the engine major version recorded in the cluster
	Version string

	// Existing is true when the cluster predates this run
	Existing bool
}

// Bootstrapper initializes the database cluster on the mounted volume.
type Bootstrapper struct {
	execCommand utils.ExecCommand
}

// NewBootstrapper creates a bootstrapper backed by initdb.
func NewBootstrapper() *Bootstrapper {
	return &Bootstrapper{execCommand: exec.Command}
}

// Initialize runs cluster initialization at dataDir, or returns the
// existing state when cluster metadata is already present. Initialization
// runs at most once against a given path: an already-initialized volume is
// never touched, and a directory with content but no readable metadata is
// rejected rather than overwritten.
func (b *Bootstrapper) Initialize(dataDir string) (*ClusterState, error) {
	version, err := readClusterVersion(dataDir)
	switch {
	case err == nil:
		klog.V(2).Infof("Cluster already initialized at %s (version %s)", dataDir, version)
		return &ClusterState{DataDir: dataDir, Version: version, Existing: true}, nil
	case errors.Is(err, os.ErrNotExist):
		// fall through to initialization
	default:
		return nil, fmt.Errorf("cluster metadata at %s is unreadable: %v: %w",
			dataDir, err, ErrCorruptClusterState)
	}

	populated, err := isPopulated(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", dataDir, err)
	}
	if populated {
		return nil, fmt.Errorf("%s has content but no %s: %w",
			dataDir, versionFile, ErrCorruptClusterState)
	}

	klog.V(2).Infof("Initializing database cluster at %s", dataDir)
	initCmd := fmt.Sprintf("initdb --pgdata=%s --encoding=UTF8 --auth=ident", dataDir)
	if _, err := utils.RunCommand(b.execCommand, "runuser", "-l", "postgres", "-c", initCmd); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInitializationFailed)
	}

	// Best effort: a mocked initdb in tests writes no metadata
	version, _ = readClusterVersion(dataDir)

	klog.V(2).Infof("Cluster initialized at %s", dataDir)
	return &ClusterState{DataDir: dataDir, Version: version, Existing: false}, nil
}

// readClusterVersion reads the cluster metadata marker. Returns
// os.ErrNotExist when no cluster exists at the path.
func readClusterVersion(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, versionFile))
	if err != nil {
		return "", err
	}

	version := strings.TrimSpace(string(data))
	if version == "" {
		return "", fmt.Errorf("%s is empty", versionFile)
	}
	return version, nil
}

// isPopulated reports whether the directory exists and contains entries.
func isPopulated(dataDir string) (bool, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}
