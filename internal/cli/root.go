// Package cli implements the clauderond command-line surface: the serve,
// migrate, and doctor subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clauderon/clauderon/internal/version"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "clauderond",
	Short: "clauderond manages ephemeral AI coding-agent sessions",
	Long: `clauderond runs the session manager, reconciler, credential proxy, and
hook ingestion surface backing isolated coding-agent sandboxes — one git
worktree and one sandboxed execution substrate per session.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "directory containing config.yaml (default: $CLAUDERON_HOME, then .)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if viper.GetBool("verbose") {
		fmt.Fprintln(os.Stderr, "clauderond: verbose logging enabled")
	}
}
