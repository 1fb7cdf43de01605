package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"g3/pkg/config"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted provider credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <NAME>",
		Short: "Store a secret such as ANTHROPIC_API_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("state-dir")
			exists := config.SecretsFileExists(dir)
			password, err := secretsPassword(!exists)
			if err != nil {
				return err
			}
			if exists {
				s, err := config.DecryptSecretsFile(dir, password)
				if err != nil {
					return fmt.Errorf("failed to unlock secrets: %w", err)
				}
				config.SetDecryptedSecrets(s)
			}

			fmt.Fprintf(os.Stderr, "Value for %s: ", args[0])
			value, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}
			if len(value) == 0 {
				return errors.New("empty value, nothing stored")
			}
			config.SetSecret(args[0], string(value))
			if err := config.SaveSecrets(dir, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", args[0], dir)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := viper.GetString("state-dir")
			if !config.SecretsFileExists(dir) {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored")
				return nil
			}
			if err := unlockSecrets(dir); err != nil {
				return err
			}
			for _, name := range config.SecretNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})
	return cmd
}

// secretsPassword returns G3_PASSWORD when set, otherwise prompts. A new
// secrets file asks for confirmation.
func secretsPassword(confirm bool) (string, error) {
	if p := viper.GetString("password"); p != "" {
		return p, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("secrets file is locked: set G3_PASSWORD or run interactively")
	}
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "Secrets password: ")
		first, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if !confirm {
			return string(first), nil
		}
		if len(first) < 8 {
			fmt.Fprintln(os.Stderr, "Password must be at least 8 characters.")
			continue
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		second, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if bytes.Equal(first, second) {
			return string(first), nil
		}
		fmt.Fprintln(os.Stderr, "Passwords do not match.")
	}
	return "", fmt.Errorf("no valid password after %d attempts", maxAttempts)
}
