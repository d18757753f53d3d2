package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaffer-run/gaffer/pkg/api"
	"github.com/gaffer-run/gaffer/pkg/config"
	"github.com/gaffer-run/gaffer/pkg/hub"
	"github.com/gaffer-run/gaffer/pkg/log"
	"github.com/gaffer-run/gaffer/pkg/lookup"
	"github.com/gaffer-run/gaffer/pkg/manager"
	"github.com/gaffer-run/gaffer/pkg/metrics"
	gaffertls "github.com/gaffer-run/gaffer/pkg/tls"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gafferd supervisor daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to gafferd.yaml (or a directory containing it)")
	serveCmd.Flags().String("listen", "", "HTTP listen address, overrides the config file")
	serveCmd.Flags().String("pidfile", "", "Write the daemon's PID to this path")
	serveCmd.Flags().String("tls-cert", "", "TLS certificate for the HTTP listener, overrides the config file")
	serveCmd.Flags().String("tls-key", "", "TLS key for the HTTP listener, overrides the config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	if pidfile := cfg.PIDFile; pidfile != "" {
		if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer os.Remove(pidfile)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("api", false, "starting")
	metrics.RegisterComponent("manager", true, "running")

	mgr := manager.New()
	mgr.WireMetrics()
	h := hub.New(mgr, nil)

	apiServer := api.NewServer(cfg.Listen, mgr, h, log.WithComponent("api"))
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		tlsCfg, err := gaffertls.LoadServerConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("api TLS config: %w", err)
		}
		apiServer.WithTLS(tlsCfg)
	}
	mgr.Use(apiServer)

	for _, addr := range cfg.Lookupd {
		client := lookup.NewClient(addr, cfg.NodeName, cfg.Origin, Version, log.WithComponent("lookup-client"))
		if cfg.LookupdCA != "" || strings.HasPrefix(addr, "wss://") {
			tlsCfg, err := gaffertls.LoadClientConfig(cfg.LookupdCA)
			if err != nil {
				return fmt.Errorf("lookupd TLS config: %w", err)
			}
			client.WithTLS(tlsCfg)
		}
		mgr.Use(client)
	}

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	runCh := make(chan error, 1)
	go func() { runCh <- mgr.Run() }()

	loadConfiguredJobs(mgr, cfg)
	metrics.RegisterComponent("api", true, "ready")

	fmt.Printf("gafferd listening on %s\n", cfg.Listen)
	if len(cfg.Lookupd) > 0 {
		fmt.Printf("registering with lookupd: %v\n", cfg.Lookupd)
	}
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-runCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "manager stopped unexpectedly: %v\n", err)
		}
	}

	done := make(chan struct{})
	mgr.Stop(func() { close(done) })
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		fmt.Fprintln(os.Stderr, "shutdown timed out waiting for processes to stop")
	}

	fmt.Println("Shutdown complete")
	return nil
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	flagPath, _ := cmd.Flags().GetString("config")
	path, err := config.ResolvePath(flagPath)
	var cfg *config.Config
	if err != nil {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if cert, _ := cmd.Flags().GetString("tls-cert"); cert != "" {
		cfg.TLSCert = cert
	}
	if key, _ := cmd.Flags().GetString("tls-key"); key != "" {
		cfg.TLSKey = key
	}
	if pidfile, _ := cmd.Flags().GetString("pidfile"); pidfile != "" {
		cfg.PIDFile = pidfile
	}
	if cfg.NodeName == "" {
		hostname, _ := os.Hostname()
		cfg.NodeName = hostname
	}
	if cfg.Origin == "" {
		cfg.Origin = cfg.Listen
	}
	return cfg, nil
}

// loadConfiguredJobs loads cfg.Sessions into mgr, sorted by Priority
// within each session (spec.md: "lower values start first").
func loadConfiguredJobs(mgr *manager.Manager, cfg *config.Config) {
	for session, specs := range cfg.Sessions {
		sorted := make([]config.JobSpec, len(specs))
		copy(sorted, specs)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Priority < sorted[j].Priority
		})
		for _, spec := range sorted {
			jobCfg := spec.JobConfig
			if _, err := mgr.Load(session, &jobCfg, nil, spec.Start); err != nil {
				log.WithComponent("gafferd").Error().Err(err).Str("job", jobCfg.Name).Msg("failed to load configured job")
			}
		}
	}
}
