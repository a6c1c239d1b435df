package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ralphd/ralphd/internal/config"
	"github.com/ralphd/ralphd/internal/daemon"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ralphd",
		Short: "Issue queue orchestrator for autonomous coding workers",
		Long:  `ralphd mirrors GitHub issues into a local queue, coordinates workflow label writes, reconciles merged PRs, and serves a control plane for operators.`,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "config file path")
	return cmd
}

func newInitCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}
			if err := config.Save(config.DefaultConfig(), configPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", configPath)
			fmt.Println("Set github.token and github.repos, then run: ralphd serve")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "config file path")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Validate the configuration and show what would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Printf("Config: %s\n", configPath)
			fmt.Printf("Repos:  %d\n", len(cfg.GitHub.Repos))
			for _, repo := range cfg.GitHub.Repos {
				fmt.Printf("  - %s\n", repo)
			}
			fmt.Printf("Control plane: %s:%d\n", cfg.ControlPlane.Host, cfg.ControlPlane.Port)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "config file path")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show ralphd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ralphd v%s\n", version)
		},
	}
}
