package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/appliance-db-init/pkg/observability"
	"git.srvlab.io/whiskey/appliance-db-init/pkg/provision"
)

var (
	// Activation configuration
	region       = flag.String("region", "", "Appliance region recorded in the application configuration (required)")
	dbDisk       = flag.String("dbdisk", "", "Target disk device (auto-selected when empty)")
	diskMounted  = flag.Bool("disk-mounted", false, "Data volume is already mounted; skip disk selection and volume creation")
	serviceName  = flag.String("service-name", provision.DefaultServiceName, "Database engine service unit")
	mountPrefix  = flag.String("mount-prefix", "/", "Prefix prepended to the standard data path")
	fsType       = flag.String("fs-type", provision.DefaultFilesystemType, "Filesystem type for the data volume")
	startTimeout = flag.Duration("start-timeout", 2*time.Minute, "Timeout waiting for each service start")

	// Database configuration
	dbName     = flag.String("db-name", provision.DefaultDatabaseName, "Application database name")
	dbUser     = flag.String("db-user", provision.DefaultDatabaseUser, "Application database role")
	dbPassword = flag.String("db-password", "", "Application database password (generated when empty)")

	// Post-activation configuration
	postServices = flag.String("post-services", "", "Comma-separated dependent services started after activation; the first is critical")

	// Metrics configuration
	metricsAddr = flag.String("metrics-addr", "", "Address to expose metrics on (disabled when empty)")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *region == "" {
		klog.Fatal("--region is required")
	}

	req := provision.NewRequest(*region)
	req.DiskDevice = *dbDisk
	req.DiskMounted = *diskMounted
	req.ServiceName = *serviceName
	req.MountPrefix = *mountPrefix
	req.FilesystemType = *fsType
	req.DatabaseName = *dbName
	req.DatabaseUser = *dbUser
	req.DatabasePassword = *dbPassword
	req.StartTimeout = *startTimeout
	if *postServices != "" {
		req.PostActivationServices = strings.Split(*postServices, ",")
	}

	metrics := observability.NewMetrics()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			klog.Infof("Serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				klog.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		klog.Infof("Received signal %s, aborting", sig)
		cancel()
	}()

	orchestrator := provision.NewWithCollaborators(req, provision.Collaborators{Metrics: metrics})

	result := orchestrator.Activate(ctx)
	if !result.OK {
		fmt.Fprintln(os.Stderr, result)
		os.Exit(1)
	}

	statuses, err := orchestrator.PostActivation(ctx)
	for _, st := range statuses {
		if st.Err != nil {
			klog.Warningf("Dependent service %s: %v", st.Name, st.Err)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println(result)
}
