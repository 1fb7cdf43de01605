package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"g3/internal/kernel"
	"g3/pkg/config"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			if err := unlockSecrets(viper.GetString("state-dir")); err != nil {
				return err
			}
			cfg, err := loadServeConfig(viper.GetString("config"))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			k, err := kernel.NewKernel(ctx, cfg)
			if err != nil {
				return err
			}
			if err := k.Start(ctx); err != nil {
				_ = k.Stop(context.Background())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "G3 API listening on %s (%d workers)\n", cfg.Server.Addr, cfg.Orchestrator.WorkerPoolSize)

			serveErr := k.Serve(ctx)
			stopCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer cancel()
			if err := k.Stop(stopCtx); err != nil {
				return err
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// loadServeConfig reads the config file, or falls back to a single
// Anthropic provider when the default file does not exist.
func loadServeConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) || path != config.DefaultConfigFile {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "%s not found, using the default Anthropic provider\n", path)
	return config.Default(config.ProviderAnthropic, config.ProviderConfig{
		Kind:         config.ProviderAnthropic,
		DefaultModel: "claude-sonnet-4-5",
	}), nil
}

// unlockSecrets decrypts the secrets file when one exists. The password
// comes from G3_PASSWORD or an interactive prompt.
func unlockSecrets(dir string) error {
	if !config.SecretsFileExists(dir) {
		return nil
	}
	password, err := secretsPassword(false)
	if err != nil {
		return err
	}
	s, err := config.DecryptSecretsFile(dir, password)
	if err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	config.SetDecryptedSecrets(s)
	return nil
}
