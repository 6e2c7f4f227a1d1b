package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/control"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/instanceid"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/ui"
)

const remoteTimeout = 10 * time.Second

var controlAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the running client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(cmd, func(ctx context.Context, c *control.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			handle := st.Handle
			if handle == "" {
				handle = ui.RenderDim("(none)")
			}
			state := st.State
			if st.Degraded {
				state += " (send-only)"
			}
			fmt.Print(ui.RenderCard("slcp status", []ui.CardRow{
				{Label: "handle", Value: handle},
				{Label: "state", Value: state},
				{Label: "away", Value: fmt.Sprintf("%v", st.Away)},
				{Label: "chat port", Value: fmt.Sprintf("%d", st.ChatPort)},
				{Label: "peers", Value: fmt.Sprintf("%d", st.Peers)},
				{Label: "connections", Value: fmt.Sprintf("%d", st.Connections)},
				{Label: "instance", Value: instanceid.Short(st.InstanceID)},
			}))
			return nil
		})
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the peers the running client knows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(cmd, printPeers)
	},
}

var whoCmd = &cobra.Command{
	Use:   "who",
	Short: "Ask the network who is online, then list peers",
	Long: `Broadcast JOIN and WHO from the running client, wait for KNOWUSERS
replies and list the peers it knows afterwards.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(cmd, func(ctx context.Context, c *control.Client) error {
			if err := c.Refresh(ctx); err != nil {
				return err
			}
			ui.NewSpinner(os.Stdout, "looking for peers...").Wait(refreshWait, ctx.Done())
			return printPeers(ctx, c)
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <handle>",
	Short: "Change the running client's handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(cmd, func(ctx context.Context, c *control.Client) error {
			if err := c.Rename(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(ui.RenderSuccess("handle changed to " + args[0]))
			return nil
		})
	},
}

var awayCmd = &cobra.Command{
	Use:   "away",
	Short: "Toggle away on the running client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(cmd, func(ctx context.Context, c *control.Client) error {
			away, err := c.ToggleAway(ctx)
			if err != nil {
				return err
			}
			fmt.Println(awayNotice(away))
			return nil
		})
	},
}

var sendTo string

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send a text message through the running client",
	Long: `Send a text message to every known peer, or to one with --to.

Examples:
  slcp send hello everyone
  slcp send --to Alice "lunch?"
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		return withControl(cmd, func(ctx context.Context, c *control.Client) error {
			sent, total, err := c.SendText(ctx, sendTo, text)
			if err != nil {
				return err
			}
			fmt.Println(ui.RenderDelivery(sent, total))
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, peersCmd, whoCmd, renameCmd, awayCmd, sendCmd} {
		c.Flags().StringVar(&controlAddr, "addr", "", "Control address (default: control.addr from config)")
		rootCmd.AddCommand(c)
	}
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient handle (default: everyone)")
}

// withControl connects to the running client's control plane and runs fn
func withControl(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupStderrLogging(cmd, cfg)

	addr := controlAddr
	if addr == "" {
		addr = cfg.Control.Addr
	}

	client, err := control.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()

	return remoteError(addr, fn(ctx, client))
}

// remoteError turns gRPC statuses into messages for the terminal
func remoteError(addr string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("no running client at %s (start one with \"slcp run\")", addr)
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%s", st.Message())
	default:
		return err
	}
}

func printPeers(ctx context.Context, c *control.Client) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	peers, err := c.ListPeers(ctx)
	if err != nil {
		return err
	}
	fmt.Print(ui.RenderPeerTable(peers, st.Handle))
	return nil
}
