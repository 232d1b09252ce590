package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/arnet/internal/endpoint"
	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/log"
	"firestige.xyz/arnet/internal/peer"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated device peer",
	Long: `Run the device side of the link: answer pings with pongs, acknowledge
data_with_ack frames and log everything received.

The controller address is learned from the first datagram unless --remote
is given.

Examples:
  arnet simulate --listen 0.0.0.0:2233
  arnet simulate --listen 127.0.0.1:2233 --remote 127.0.0.1:9988 --ns ble`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulate()
	},
}

var (
	simListen    string
	simRemote    string
	simNS        string
	simQoS       string
	simDropRunts bool
)

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simListen, "listen", "0.0.0.0:2233", "local address ip:port")
	f.StringVar(&simRemote, "remote", "", "controller address ip:port")
	f.StringVar(&simNS, "ns", "net", "transport-id namespace: net or ble")
	f.BoolVar(&simDropRunts, "drop-runts", false, "discard datagrams shorter than a frame header in the kernel")
	f.StringVar(&simQoS, "qos", "", "traffic class used for the TOS marking: command or video")
}

func runSimulate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	defer log.Flush()

	ns, err := namespace(simNS)
	if err != nil {
		return err
	}
	listen, err := netip.ParseAddrPort(simListen)
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	var remote netip.AddrPort
	if simRemote != "" {
		if remote, err = netip.ParseAddrPort(simRemote); err != nil {
			return fmt.Errorf("invalid remote address: %w", err)
		}
	}

	var tos int
	if simQoS != "" {
		var kind endpoint.Kind
		if err := kind.UnmarshalText([]byte(simQoS)); err != nil {
			return err
		}
		tos = kind.TOS()
	}

	logger := log.GetLogger().WithField("component", "simulate")
	p, err := peer.Listen(peer.Options{
		Listen:    listen,
		Remote:    remote,
		TOS:       tos,
		DropRunts: simDropRunts,
		Namespace: ns,
		Handler: func(from netip.AddrPort, h frame.Header, payload []byte) {
			logger.WithField("from", from.String()).
				WithField("frame", h.String()).
				Infof("received %d bytes", len(payload))
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()
	logger.WithField("addr", p.Addr().String()).Info("device peer listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = p.Serve(ctx)

	st := p.Stats()
	logger.WithFields(map[string]interface{}{
		"datagrams":     st.Datagrams,
		"frames":        st.Frames,
		"pings":         st.Pings,
		"acks":          st.Acks,
		"decode_errors": st.DecodeErrors,
	}).Info("device peer stopped")
	return err
}
