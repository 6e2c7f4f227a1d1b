package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// debugCmd is the parent command for debug subcommands
var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug and diagnostic commands",
	Long:  `Commands for debugging and diagnosing issues with slcp.`,
}

// debugFlagsCmd prints resolved flag values for debugging
var debugFlagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Print resolved flag values for debugging",
	Long: `Print the resolved values of global flags and the paths derived from
them, to check which config file and state directory a client will use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		configPath, _ := cmd.Flags().GetString("config")
		noColor, _ := cmd.Flags().GetBool("no-color")

		paths, err := resolvePaths(cmd)
		if err != nil {
			return err
		}

		fmt.Println("Resolved Flag Values:")
		fmt.Printf("  --verbose:   %v\n", verbose)
		fmt.Printf("  --config:    %q\n", configPath)
		fmt.Printf("  --no-color:  %v\n", noColor)
		fmt.Println("Resolved Paths:")
		fmt.Printf("  config file: %s\n", paths.ConfigFile)
		fmt.Printf("  logs:        %s\n", paths.LogsDir)
		fmt.Printf("  instance id: %s\n", paths.InstanceIDFile)
		return nil
	},
}

func init() {
	debugCmd.AddCommand(debugFlagsCmd)
}
