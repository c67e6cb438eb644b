package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/config"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/disk"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/lvm"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/mount"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/observability"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/postgres"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/selinux"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/service"
)

// Capability interfaces the orchestrator depends on. Injected at
// construction so tests substitute deterministic fakes instead of
// touching a real machine.

// DiskSelector chooses the physical disk for data storage.
type DiskSelector interface {
	Select(override string) (*disk.Candidate, error)
}

// VolumeProvisioner creates the partition/VG/LV chain on a disk.
type VolumeProvisioner interface {
	Provision(cand *disk.Candidate) (*lvm.Layout, error)
}

// Filesystem formats, mounts, and validates the data volume.
type Filesystem interface {
	FormatAndMount(device, mountPoint, fsType string) (*mount.Record, error)
	ValidateMounted(path string) error
	UnmountDevice(device string) error
}

// Relabeler applies mandatory access control labels.
type Relabeler interface {
	Relabel(paths ...string) error
}

// Bootstrapper initializes the database cluster.
type Bootstrapper interface {
	Initialize(dataDir string) (*postgres.ClusterState, error)
}

// DatabaseAdmin administers roles and databases on the running engine.
type DatabaseAdmin interface {
	WaitReady(ctx context.Context) error
	EnsureRole(name, password string) error
	EnsureDatabase(name, owner string) error
}

// ServiceManager starts and enables system services.
type ServiceManager interface {
	Start(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
}

// ConfigStore persists the application's connection settings.
type ConfigStore interface {
	Write(cfg config.ApplicationConfig) error
}

// Verifier confirms the database is reachable with the written settings.
type Verifier interface {
	Verify(cfg config.ApplicationConfig) error
}

// Orchestrator sequences the activation pipeline.
type Orchestrator struct {
	req Request

	disks    DiskSelector
	volumes  VolumeProvisioner
	fs       Filesystem
	labels   Relabeler
	db       Bootstrapper
	admin    DatabaseAdmin
	services ServiceManager
	store    ConfigStore
	verifier Verifier
	metrics  *observability.Metrics

	// appConfig is populated by the config-update stage and consumed by
	// verify.
	appConfig config.ApplicationConfig

	activated bool
}

// Collaborators bundles the capability implementations the orchestrator
// runs against.
type Collaborators struct {
	Disks        DiskSelector
	Volumes      VolumeProvisioner
	Filesystem   Filesystem
	Relabeler    Relabeler
	Bootstrapper Bootstrapper
	Admin        DatabaseAdmin
	Services     ServiceManager
	Store        ConfigStore
	Verifier     Verifier
	Metrics      *observability.Metrics
}

// New creates an orchestrator over the real system collaborators.
func New(req Request) *Orchestrator {
	return NewWithCollaborators(req, Collaborators{})
}

// NewWithCollaborators creates an orchestrator from explicit
// collaborators, letting tests substitute fakes. Nil fields fall back
// to the real system implementations.
func NewWithCollaborators(req Request, c Collaborators) *Orchestrator {
	if c.Disks == nil {
		c.Disks = disk.NewSelector()
	}
	if c.Volumes == nil {
		c.Volumes = lvm.NewProvisioner()
	}
	if c.Filesystem == nil {
		c.Filesystem = mount.NewManager()
	}
	if c.Relabeler == nil {
		c.Relabeler = selinux.NewRelabeler()
	}
	if c.Bootstrapper == nil {
		c.Bootstrapper = postgres.NewBootstrapper()
	}
	if c.Admin == nil {
		c.Admin = postgres.NewAdmin()
	}
	if c.Services == nil {
		c.Services = service.NewActivator()
	}
	if c.Store == nil {
		c.Store = config.NewStore()
	}
	if c.Verifier == nil {
		c.Verifier = postgres.NewVerifier()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewMetrics()
	}
	return &Orchestrator{
		req:      req,
		disks:    c.Disks,
		volumes:  c.Volumes,
		fs:       c.Filesystem,
		labels:   c.Relabeler,
		db:       c.Bootstrapper,
		admin:    c.Admin,
		services: c.Services,
		store:    c.Store,
		verifier: c.Verifier,
		metrics:  c.Metrics,
	}
}

// Activate runs the full provisioning sequence: disk selection, volume
// creation, formatting and mount registration, security labeling,
// cluster initialization, service start, credential/database creation,
// configuration write, and verification. It stops on the first failure
// and performs no automatic rollback of completed irreversible stages.
func (o *Orchestrator) Activate(ctx context.Context) *ActivationResult {
	if err := o.req.Validate(); err != nil {
		return failure(StageDiskSelect, err)
	}

	klog.Infof("Starting activation (region %s, service %s, mount point %s)",
		o.req.Region, o.req.ServiceName, o.req.MountPoint())

	var cand *disk.Candidate
	var layout *lvm.Layout

	// disk-select: bypassed entirely when the volume is pre-mounted.
	preMounted := o.req.DiskMounted
	if preMounted {
		klog.V(2).Info("Data volume declared pre-mounted, skipping disk selection")
	} else {
		if err := o.runStage(StageDiskSelect, func() error {
			var err error
			cand, err = o.disks.Select(o.req.DiskDevice)
			if err != nil && o.req.DiskDevice == "" && errors.Is(err, disk.ErrNoEligibleDisk) {
				// A prior run consumes the only free disk. If the data
				// volume it created is already mounted, continue with it
				// instead of failing.
				if o.fs.ValidateMounted(o.req.MountPoint()) == nil {
					klog.Infof("No eligible disk but %s is already mounted, using the existing data volume",
						o.req.MountPoint())
					preMounted = true
					return nil
				}
			}
			return err
		}); err != nil {
			return o.fail(StageDiskSelect, err)
		}
	}

	if !preMounted {
		if err := o.runStage(StageProvision, func() error {
			// Ephemeral cloud disks can come up mounted; release the
			// candidate before partitioning.
			if err := o.fs.UnmountDevice(cand.Device); err != nil {
				return err
			}
			var err error
			layout, err = o.volumes.Provision(cand)
			return err
		}); err != nil {
			return o.fail(StageProvision, err)
		}
	}

	// format-mount: validation only for a pre-mounted volume.
	if err := o.runStage(StageFormatMount, func() error {
		if preMounted {
			return o.fs.ValidateMounted(o.req.MountPoint())
		}
		_, err := o.fs.FormatAndMount(layout.DevicePath(), o.req.MountPoint(), o.req.FilesystemType)
		return err
	}); err != nil {
		return o.fail(StageFormatMount, err)
	}

	if err := o.runStage(StageRelabel, func() error {
		return o.labels.Relabel(o.req.MountPoint(), o.req.DataDir(), o.req.LogDir())
	}); err != nil {
		return o.fail(StageRelabel, err)
	}

	if err := o.runStage(StageDBInit, func() error {
		_, err := o.db.Initialize(o.req.DataDir())
		return err
	}); err != nil {
		return o.fail(StageDBInit, err)
	}

	if err := o.runStage(StageServiceStart, func() error {
		startCtx, cancel := context.WithTimeout(ctx, o.req.StartTimeout)
		defer cancel()
		if err := o.services.Start(startCtx, o.req.ServiceName); err != nil {
			return err
		}
		return o.services.Enable(ctx, o.req.ServiceName)
	}); err != nil {
		return o.fail(StageServiceStart, err)
	}

	// config-update is the last mutating stage: a failure here leaves
	// storage and service consistent and retryable.
	if err := o.runStage(StageConfigUpdate, func() error {
		return o.updateConfiguration(ctx)
	}); err != nil {
		return o.fail(StageConfigUpdate, err)
	}

	if err := o.runStage(StageVerify, func() error {
		return o.verifier.Verify(o.appConfig)
	}); err != nil {
		return o.fail(StagePostActivationCheck, err)
	}

	o.activated = true
	o.metrics.RecordActivation("success")
	klog.Infof("Activation succeeded (database %s)", o.req.DatabaseName)
	return success()
}

// updateConfiguration creates the application role and database and
// writes the connection parameters to the configuration store.
func (o *Orchestrator) updateConfiguration(ctx context.Context) error {
	if err := o.admin.WaitReady(ctx); err != nil {
		return err
	}

	password := o.req.DatabasePassword
	if password == "" {
		password = uuid.NewString()
		klog.V(2).Info("Generated database password")
	}

	if err := o.admin.EnsureRole(o.req.DatabaseUser, password); err != nil {
		return err
	}
	if err := o.admin.EnsureDatabase(o.req.DatabaseName, o.req.DatabaseUser); err != nil {
		return err
	}

	o.appConfig = config.ApplicationConfig{
		Host:     DefaultSocketDir,
		Port:     DefaultPort,
		Username: o.req.DatabaseUser,
		Password: password,
		Database: o.req.DatabaseName,
		Region:   o.req.Region,
	}
	return o.store.Write(o.appConfig)
}

// ServiceStatus reports one dependent service's post-activation outcome.
type ServiceStatus struct {
	Name string
	Err  error
}

// PostActivation enables and starts dependent services. It must only be
// invoked after Activate reports success; calling it otherwise is
// rejected. The first configured service is critical, the rest are
// best-effort: their failures are reported but never undo activation.
func (o *Orchestrator) PostActivation(ctx context.Context) ([]ServiceStatus, error) {
	if !o.activated {
		return nil, fmt.Errorf("post-activation requires a successful activation")
	}

	var statuses []ServiceStatus
	for i, name := range o.req.PostActivationServices {
		err := func() error {
			if err := o.services.Enable(ctx, name); err != nil {
				return err
			}
			return o.services.Start(ctx, name)
		}()

		statuses = append(statuses, ServiceStatus{Name: name, Err: err})
		if err == nil {
			o.metrics.RecordDependentService("success")
			klog.V(2).Infof("Dependent service %s started", name)
			continue
		}

		o.metrics.RecordDependentService("failure")
		if i == 0 {
			return statuses, fmt.Errorf("critical dependent service %s failed: %w", name, err)
		}
		klog.Warningf("Non-critical dependent service %s failed: %v", name, err)
	}

	return statuses, nil
}

// runStage times and records one stage, logging its outcome.
func (o *Orchestrator) runStage(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
	}
	o.metrics.RecordStage(string(stage), status, duration)

	if err != nil {
		klog.Errorf("Stage %s failed after %v: %v", stage, duration, err)
		return err
	}
	klog.V(2).Infof("Stage %s completed in %v", stage, duration)
	return nil
}

// fail classifies the stage error and records the failed run. Errors
// from the documented taxonomy pass through unchanged; anything else is
// wrapped as a SystemCommandError for the caller.
func (o *Orchestrator) fail(stage Stage, err error) *ActivationResult {
	o.metrics.RecordActivation("failure")

	if !isTaxonomyError(err) {
		err = &SystemCommandError{Stage: stage, Cause: err}
	}
	return failure(stage, err)
}

func isTaxonomyError(err error) bool {
	for _, known := range []error{
		disk.ErrNoEligibleDisk,
		lvm.ErrPartialVolumeState,
		mount.ErrExpectedMountMissing,
		postgres.ErrInitializationFailed,
		postgres.ErrCorruptClusterState,
		postgres.ErrVerificationFailed,
		service.ErrServiceStartTimeout,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
