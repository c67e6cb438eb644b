// Package selinux re-applies mandatory access control labels so the
// confined database process can use newly created data and log paths.
package selinux

import (
	"os"
	"os/exec"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/utils"
)

// Relabeler restores security contexts from the loaded policy.
type Relabeler struct {
	execCommand utils.ExecCommand
}

// NewRelabeler creates a relabeler backed by restorecon.
func NewRelabeler() *Relabeler {
	return &Relabeler{execCommand: exec.Command}
}

// Relabel recursively restores the default security context on each path.
// restorecon only re-asserts labels from policy, so repeated runs have no
// side effects. Paths that do not exist are skipped with a warning.
func (r *Relabeler) Relabel(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			klog.Warningf("Skipping relabel of %s: path does not exist", path)
			continue
		}

		if _, err := utils.RunCommand(r.execCommand, "restorecon", "-R", path); err != nil {
			return err
		}
		klog.V(2).Infof("Restored security context on %s", path)
	}
	return nil
}
