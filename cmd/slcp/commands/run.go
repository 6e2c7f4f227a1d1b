package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/instanceid"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/logging"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive chat client",
	Long: `Start a chat client: open the chat port, join the network under your
handle and read commands from the terminal.

Logs go to ~/.slcp/logs/slcp.log so they do not mix with the chat.

Examples:
  # Join with the handle from the config file
  slcp run

  # Join as Alice and remember the handle
  slcp run -u Alice

  # Second client on the same machine
  SLCP_CONFIG_DIR=/tmp/bob slcp run -u Bob --port 5001
`,
	RunE: runRun,
}

var (
	runHandle    string
	runChatPort  int
	runWhoisPort int
)

func init() {
	runCmd.Flags().StringVarP(&runHandle, "handle", "u", "", "Handle to join with")
	runCmd.Flags().IntVar(&runChatPort, "port", 0, "Chat port (overrides network.chat_port)")
	runCmd.Flags().IntVar(&runWhoisPort, "whoisport", 0, "Discovery port (overrides network.whoisport)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runHandle != "" {
		cfg.User.Handle = runHandle
	}
	if runChatPort != 0 {
		cfg.Network.ChatPort = runChatPort
	}
	if runWhoisPort != 0 {
		cfg.Network.WhoisPort = runWhoisPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	logFile, err := logging.OpenFile(paths.LogsDir, "slcp.log")
	if err != nil {
		return err
	}
	defer logFile.Close()
	verbose, _ := cmd.Flags().GetBool("verbose")
	logging.SetupWriter(logFile, cfg.Logging.Level, cfg.Logging.Format, verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, paths, os.Stdout)
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())

	go a.watchConfig(ctx)

	fmt.Print(ui.RenderHeader(ui.HeaderInfo{
		Version:    Version,
		Handle:     a.session.Handle(),
		InstanceID: instanceid.Short(a.instanceID),
		ChatPort:   a.server.Port(),
		WhoisPort:  cfg.Network.WhoisPort,
		Degraded:   a.engine.Degraded(),
	}))
	fmt.Print(ui.RenderHelpLines())

	a.presenter.SetPrompt(a.prompt)
	return a.interactive(ctx, os.Stdin)
}
