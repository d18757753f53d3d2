package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaffer-run/gaffer/pkg/config"
	"github.com/gaffer-run/gaffer/pkg/log"
	"github.com/gaffer-run/gaffer/pkg/lookup"
	gaffertls "github.com/gaffer-run/gaffer/pkg/tls"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gaffer-lookupd",
	Short: "gaffer-lookupd - directory of which gafferd node hosts which job",
	Long: `gaffer-lookupd tracks, per connected gafferd node, which jobs and
processes it currently hosts, so clients can discover where a job is
running without hardcoding node addresses.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gaffer-lookupd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().String("config", "", "Path to gafferd.yaml (or a directory containing it)")
	rootCmd.Flags().String("listen", "", "HTTP listen address, overrides the config file")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("tls-cert", "", "TLS certificate for the HTTP listener")
	rootCmd.Flags().String("tls-key", "", "TLS key for the HTTP listener")
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	if logLevel == "" {
		logLevel = "info"
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	flagPath, _ := cmd.Flags().GetString("config")
	path, err := config.ResolvePath(flagPath)
	var cfg *config.Config
	if err != nil {
		cfg = config.Default()
		cfg.Listen = ":5673"
	} else if cfg, err = config.Load(path); err != nil {
		return err
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

	registry := lookup.NewRegistry()
	defer registry.Close()

	server := lookup.NewServer(registry, log.WithComponent("lookupd"))

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		tlsCfg, err := gaffertls.LoadServerConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("lookupd TLS config: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("gaffer-lookupd listening on %s\n", cfg.Listen)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "lookupd server error: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
