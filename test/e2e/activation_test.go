package e2e

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/disk"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/provision"
)

func orchestratorFor(machine *fakeMachine, req provision.Request) *provision.Orchestrator {
	return provision.NewWithCollaborators(req, provision.Collaborators{
		Disks:        machine,
		Volumes:      machine,
		Filesystem:   machine,
		Relabeler:    machine,
		Bootstrapper: machine,
		Admin:        machine,
		Services:     machine,
		Store:        machine,
		Verifier:     machine,
	})
}

var _ = Describe("Activation", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("on a fresh machine", func() {
		var machine *fakeMachine

		BeforeEach(func() {
			machine = newFakeMachine(
				&fakeDisk{device: "/dev/sda", sizeBytes: 40 << 30, partitioned: true},
				&fakeDisk{device: "/dev/sdb", sizeBytes: 100 << 30, mounted: true},
			)
		})

		It("provisions storage and activates the database end to end", func() {
			req := provision.NewRequest("us-east")
			req.DatabasePassword = "smartvm"

			result := orchestratorFor(machine, req).Activate(ctx)
			Expect(result.OK).To(BeTrue(), "activation failed: %v", result.Cause)

			By("partitioning the first unpartitioned disk")
			Expect(machine.findDisk("/dev/sdb").partitioned).To(BeTrue())
			Expect(machine.findDisk("/dev/sdb").mounted).To(BeFalse(), "ephemeral disk released before partitioning")
			Expect(machine.findDisk("/dev/sda").partitioned).To(BeTrue(), "pre-partitioned disk untouched")
			Expect(machine.volumeDisk).To(Equal("/dev/sdb"))
			Expect(machine.vgCreated).To(BeTrue())
			Expect(machine.lvCreated).To(BeTrue())

			By("formatting, mounting, and registering the fstab entry")
			Expect(machine.formatted).To(BeTrue())
			Expect(machine.mountPoint).To(Equal("/var/lib/pgsql"))
			Expect(machine.fstabEntries).To(HaveLen(1))

			By("relabeling the data paths")
			Expect(machine.labeledPaths).To(ContainElements(
				"/var/lib/pgsql", "/var/lib/pgsql/data", "/var/lib/pgsql/log"))

			By("initializing the cluster and starting the engine")
			Expect(machine.clusterInit).To(BeTrue())
			Expect(machine.servicesUp).To(HaveKeyWithValue("postgresql", true))
			Expect(machine.servicesOn).To(HaveKeyWithValue("postgresql", true))

			By("creating the application role and database")
			Expect(machine.roles).To(HaveKeyWithValue("appliance", "smartvm"))
			Expect(machine.databases).To(HaveKeyWithValue("vmdb_production", "appliance"))

			By("writing the application configuration")
			Expect(machine.writtenConfig).NotTo(BeNil())
			Expect(machine.writtenConfig.Database).To(Equal("vmdb_production"))
			Expect(machine.writtenConfig.Region).To(Equal("us-east"))
			Expect(machine.writtenConfig.Password).To(Equal("smartvm"))
		})

		It("generates a password when none is supplied", func() {
			req := provision.NewRequest("us-east")

			result := orchestratorFor(machine, req).Activate(ctx)
			Expect(result.OK).To(BeTrue(), "activation failed: %v", result.Cause)
			Expect(machine.writtenConfig.Password).NotTo(BeEmpty())
			Expect(machine.roles["appliance"]).To(Equal(machine.writtenConfig.Password))
		})

		It("honors an explicit disk override", func() {
			machine.disks = append(machine.disks, &fakeDisk{device: "/dev/sdc", sizeBytes: 200 << 30, mounted: true})
			req := provision.NewRequest("us-east")
			req.DiskDevice = "/dev/sdc"

			result := orchestratorFor(machine, req).Activate(ctx)
			Expect(result.OK).To(BeTrue(), "activation failed: %v", result.Cause)
			Expect(machine.volumeDisk).To(Equal("/dev/sdc"))
			Expect(machine.findDisk("/dev/sdc").mounted).To(BeFalse(), "requested disk released before partitioning")
			Expect(machine.findDisk("/dev/sdb").partitioned).To(BeFalse(), "auto-select candidate untouched")
		})
	})

	Context("when every disk is partitioned", func() {
		It("fails disk selection without touching the machine", func() {
			machine := newFakeMachine(
				&fakeDisk{device: "/dev/sda", sizeBytes: 40 << 30, partitioned: true},
			)
			req := provision.NewRequest("us-east")

			result := orchestratorFor(machine, req).Activate(ctx)
			Expect(result.OK).To(BeFalse())
			Expect(result.FailedStage).To(Equal(provision.StageDiskSelect))
			Expect(result.Cause).To(MatchError(disk.ErrNoEligibleDisk))
			Expect(machine.vgCreated).To(BeFalse())
			Expect(machine.clusterInit).To(BeFalse())
			Expect(machine.writtenConfig).To(BeNil())
		})
	})

	Context("with a pre-mounted data volume", func() {
		It("skips disk selection and volume creation and only validates the mount", func() {
			machine := newFakeMachine(
				&fakeDisk{device: "/dev/sda", sizeBytes: 40 << 30, partitioned: true},
			)
			machine.preMounted["/var/lib/pgsql"] = true
			req := provision.NewRequest("us-east")
			req.DiskMounted = true

			result := orchestratorFor(machine, req).Activate(ctx)
			Expect(result.OK).To(BeTrue(), "activation failed: %v", result.Cause)
			Expect(machine.vgCreated).To(BeFalse())
			Expect(machine.formatted).To(BeFalse())
			Expect(machine.clusterInit).To(BeTrue())
			Expect(machine.writtenConfig).NotTo(BeNil())
		})

		It("fails format-mount when the declared mount is absent", func() {
			machine := newFakeMachine()
			req := provision.NewRequest("us-east")
			req.DiskMounted = true

			result := orchestratorFor(machine, req).Activate(ctx)
			Expect(result.OK).To(BeFalse())
			Expect(result.FailedStage).To(Equal(provision.StageFormatMount))
		})
	})

	Context("re-running after a successful activation", func() {
		var (
			machine *fakeMachine
			req     provision.Request
		)

		BeforeEach(func() {
			machine = newFakeMachine(
				&fakeDisk{device: "/dev/sdb", sizeBytes: 100 << 30},
			)
			req = provision.NewRequest("us-east")
			req.DatabasePassword = "smartvm"
			Expect(orchestratorFor(machine, req).Activate(ctx).OK).To(BeTrue())
		})

		It("succeeds with the identical request without repeating destructive work", func() {
			// Second run from a fresh process: no unpartitioned disk
			// remains, but the mounted data volume is picked up as-is.
			req2 := provision.NewRequest("us-east")
			req2.DatabasePassword = "smartvm"

			result := orchestratorFor(machine, req2).Activate(ctx)
			Expect(result.OK).To(BeTrue(), "re-run failed: %v", result.Cause)
			Expect(machine.formatCount).To(Equal(1), "filesystem created exactly once")
			Expect(machine.initCount).To(Equal(1), "cluster initialized exactly once")
			Expect(machine.roles).To(HaveLen(1))
			Expect(machine.databases).To(HaveLen(1))
		})

		It("succeeds when the volume is explicitly declared mounted", func() {
			machine.preMounted["/var/lib/pgsql"] = true
			req2 := provision.NewRequest("us-east")
			req2.DatabasePassword = "smartvm"
			req2.DiskMounted = true

			result := orchestratorFor(machine, req2).Activate(ctx)
			Expect(result.OK).To(BeTrue(), "re-run failed: %v", result.Cause)
			Expect(machine.initCount).To(Equal(1), "cluster initialized exactly once")
		})

		It("rejects an explicit override naming the consumed disk", func() {
			req2 := provision.NewRequest("us-east")
			req2.DatabasePassword = "smartvm"
			req2.DiskDevice = "/dev/sdb"

			result := orchestratorFor(machine, req2).Activate(ctx)
			Expect(result.OK).To(BeFalse(), "partitioned override disk is no longer eligible")
			Expect(result.Cause).To(MatchError(disk.ErrNoEligibleDisk))
		})
	})

	Context("post-activation services", func() {
		var (
			machine *fakeMachine
			req     provision.Request
		)

		BeforeEach(func() {
			machine = newFakeMachine(&fakeDisk{device: "/dev/sdb", sizeBytes: 100 << 30})
			req = provision.NewRequest("us-east")
			req.PostActivationServices = []string{"evmserverd", "chronyd"}
		})

		It("refuses to run before activation succeeds", func() {
			o := orchestratorFor(machine, req)

			_, err := o.PostActivation(ctx)
			Expect(err).To(HaveOccurred())
			Expect(machine.servicesUp).NotTo(HaveKey("evmserverd"))
		})

		It("enables and starts every dependent service after activation", func() {
			o := orchestratorFor(machine, req)
			Expect(o.Activate(ctx).OK).To(BeTrue())

			statuses, err := o.PostActivation(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(statuses).To(HaveLen(2))
			Expect(machine.servicesUp).To(HaveKeyWithValue("evmserverd", true))
			Expect(machine.servicesUp).To(HaveKeyWithValue("chronyd", true))
			Expect(machine.servicesOn).To(HaveKeyWithValue("evmserverd", true))
		})
	})
})
