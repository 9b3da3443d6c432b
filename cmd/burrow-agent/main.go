package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "burrow-agent",
	Short: "Burrow agent - sandbox control plane inside a devbox",
	Long: `The Burrow agent runs inside a devbox and exposes its filesystem,
processes, interactive shells, listening ports and log streams over a
token-protected HTTP and WebSocket API.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.String("config", "", "Path to YAML config file")
	flags.String("addr", "", "Listen address (default :9757)")
	flags.String("workspace", "", "Workspace root directory")
	flags.String("token", "", "Bearer token (generated when empty)")
	flags.String("log-level", "", "Log level: debug, info, warn, error, silent")
	flags.Bool("log-json", false, "Log in JSON instead of console format")
	flags.Int64("max-file-size", 0, "Maximum file size in bytes")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := agent.Load(configPath)
	if err != nil {
		return err
	}

	// Flags override everything else.
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := cmd.Flags().GetString("workspace"); v != "" {
		cfg.WorkspacePath = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}
	if v, _ := cmd.Flags().GetInt64("max-file-size"); v > 0 {
		cfg.MaxFileSize = v
	}

	log.Init(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if cfg.EnsureToken() {
		// Printed once so the operator can capture it; never logged in
		// full after this.
		fmt.Printf("Generated agent token: %s\n", cfg.Token)
	}
	log.Logger.Info().Str("token", agent.MaskToken(cfg.Token)).Msg("agent token configured")

	srv := agent.NewServer(cfg, Version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}
