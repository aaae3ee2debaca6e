package cli

import (
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/yardcore/yardcore/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		" _   _                _\n" +
		"| | | | __ _ _ __ __| | ___ ___  _ __ ___\n" +
		"| |_| |/ _` | '__/ _` |/ __/ _ \\| '__/ _ \\\n" +
		" \\__, | (_| | | | (_| | (_| (_) | | |  __/\n" +
		" |___/ \\__,_|_|  \\__,_|\\___\\___/|_|  \\___|\n"

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "yardcore",
	Short: "yardcore - robotic fleet mission orchestrator",
	Long:  color.CyanString(logo) + "\nDispatches work processes to a fleet of agents over Kafka.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(serveCmd)
}
