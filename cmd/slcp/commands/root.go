package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/config"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/logging"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/ui"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "slcp",
	Short: "slcp - serverless LAN chat",
	Long: `slcp is a chat client for the local network. Peers find each other with
UDP broadcast (JOIN, LEAVE, WHO, KNOWUSERS) and exchange text and images
directly over TCP; there is no server.

Start a client with "slcp run". While it runs, the other commands talk to it
through its local control port.

Use "slcp [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")
		ui.SetNoColor(noColor)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.slcp/config.toml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(debugCmd)
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("slcp\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// resolvePaths returns the standard paths with --config applied
func resolvePaths(cmd *cobra.Command) (*config.Paths, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, err
	}
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		paths.ConfigFile = p
	}
	return paths, nil
}

// loadConfig loads and validates the config named by --config
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Paths, error) {
	paths, err := resolvePaths(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadFrom(paths.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", paths.ConfigFile, err)
	}
	return cfg, paths, nil
}

// setupStderrLogging is used by the short-lived commands
func setupStderrLogging(cmd *cobra.Command, cfg *config.Config) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, verbose)
}
