// Package provision sequences the activation pipeline that turns a blank
// appliance into one with a mounted data volume, an initialized database
// cluster, a running service, and application configuration pointing at
// it.
//
// The orchestrator runs stages strictly in order, short-circuits on the
// first failure, and never rolls back completed irreversible work:
// partitioning and formatting are left in place for operator judgment.
// Re-running a successful or partially completed activation is safe where
// the stages document idempotent behavior (existing partition/VG/LV
// reused, existing filesystem not reformatted, fstab entry updated in
// place, initialized cluster left untouched, existing role/database
// accepted).
package provision
