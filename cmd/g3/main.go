// Command g3 runs the G3 code-generation server and talks to it.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"g3/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "g3",
	Short: "G3 multi-agent code generator",
	Long: `G3 turns a natural-language requirement into a validated Spring Boot backend.
An Architect designs the OpenAPI contract and database schema, a Coder writes the
code, every round is compiled in an isolated sandbox, and a Coach repairs failing
files for a bounded number of rounds.

Run 'g3 serve' to start the API and workers; the other commands talk to it.`,
	SilenceUsage: true,
	Version:      version.String(),
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("G3")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "g3.config.json", "configuration file")
	flags.StringP("server", "s", "http://localhost:8080", "G3 API base URL")
	flags.String("state-dir", ".g3", "directory holding the encrypted secrets file")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "server", "state-dir", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(statsCmd())
}
