package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/reportd/internal/wire"
)

var (
	pingAddr    string
	pingTimeout time.Duration
)

func init() {
	pingCmd.Flags().StringVar(&pingAddr, "addr", "", "server address (default: listen from config)")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "dial and reply timeout")
	rootCmd.AddCommand(pingCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to a running daemon and negotiate capabilities",
	Long: "Connects like the core server would, requests the capabilities and sends a keepalive.\n" +
		"The connection replaces any active session on the daemon.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := pingAddr
		if addr == "" {
			addr = loadConfig().Listen
		}
		nc, err := net.DialTimeout("tcp", addr, pingTimeout)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer nc.Close()
		if err := nc.SetDeadline(time.Now().Add(pingTimeout)); err != nil {
			return err
		}

		conn := wire.NewConn(nc, 0, 0)
		start := time.Now()
		caps, err := conn.RoundTrip(wire.NewMessage(wire.CodeGetCapabilities, 0), nil)
		if err != nil {
			return err
		}
		if rc := caps.ResultCode(); rc != wire.RCSuccess {
			return fmt.Errorf("capabilities rejected: result code %d %s", rc, caps.Text(wire.TagErrorText))
		}
		ka, err := conn.RoundTrip(wire.NewMessage(wire.CodeKeepalive, 0), nil)
		if err != nil {
			return err
		}
		if rc := ka.ResultCode(); rc != wire.RCSuccess {
			return fmt.Errorf("keepalive rejected: result code %d", rc)
		}

		fmt.Fprintf(os.Stdout, "Connected to %s in %s\n", addr, time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(os.Stdout, "  protocol version: %d\n", caps.Int32(wire.TagProtocolVersion))
		fmt.Fprintf(os.Stdout, "  max frame size:   %d\n", caps.Int32(wire.TagMaxFrameSize))
		fmt.Fprintf(os.Stdout, "  chunk size:       %d\n", caps.Int32(wire.TagChunkSize))
		return nil
	},
}
