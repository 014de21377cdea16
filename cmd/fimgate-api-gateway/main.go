package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/fimgate/core/controlplane/gateway"
	"github.com/cordum/fimgate/core/infra/buildinfo"
	"github.com/cordum/fimgate/core/infra/config"
	"github.com/cordum/fimgate/core/infra/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const envConfigPath = "FIMGATE_CONFIG"

type options struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "fimgate-api-gateway",
		Short:         "Management API gateway for file integrity monitoring",
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.prepare()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "gateway config file (YAML); overrides "+envConfigPath)
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration; missing files are ignored")

	root.AddCommand(newServeCmd(), newConfigCmd(), newVersionCmd())
	return root
}

// prepare loads the dotenv file and points config loading at --config.
func (o *options) prepare() error {
	if o.envFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	if o.configPath != "" {
		if err := os.Setenv(envConfigPath, o.configPath); err != nil {
			return err
		}
	}
	return nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Configure(os.Stderr, cfg.Log.Format, cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := gateway.Run(ctx, cfg); err != nil {
				logging.Error("api-gateway", "gateway stopped", "error", err)
				return err
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config) error {
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
		},
	}
}
