package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/peer"
	"firestige.xyz/arnet/internal/transportid"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one frame to a peer",
	Long: `Send a single frame and optionally wait for the answer.

A data_with_ack frame is answered with an ack, a frame on the ping channel
with a pong. Use --wait to report them.

Examples:
  arnet send --to 192.168.42.1:2233 --id 10 --data hello
  arnet send --to 127.0.0.1:9988 --type data_with_ack --id 11 --hex 0a0b --wait 1s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(cmd.Context(), sendOpts, cmd.OutOrStdout())
	},
}

type sendOptions struct {
	to      string
	typ     string
	id      uint8
	seq     uint8
	data    string
	hexData string
	wait    time.Duration
}

var sendOpts sendOptions

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.to, "to", "", "destination address ip:port (required)")
	f.StringVar(&sendOpts.typ, "type", "data", "frame type: ack, data, low_latency, data_with_ack or a number")
	f.Uint8Var(&sendOpts.id, "id", uint8(transportid.C2DCmdNoAck), "transport id")
	f.Uint8Var(&sendOpts.seq, "seq", 0, "sequence number")
	f.StringVar(&sendOpts.data, "data", "", "payload as text")
	f.StringVar(&sendOpts.hexData, "hex", "", "payload as hex, overrides --data")
	f.DurationVar(&sendOpts.wait, "wait", 0, "how long to wait for replies")
	sendCmd.MarkFlagRequired("to")
}

func parseType(s string) (frame.Type, error) {
	for t := frame.TypeAck; t <= frame.TypeDataWithAck; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return frame.TypeUnknown, fmt.Errorf("unknown frame type %q", s)
	}
	return frame.Type(n), nil
}

func runSend(ctx context.Context, opts sendOptions, out io.Writer) error {
	to, err := netip.ParseAddrPort(opts.to)
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	typ, err := parseType(opts.typ)
	if err != nil {
		return err
	}
	payload := []byte(opts.data)
	if opts.hexData != "" {
		if payload, err = hex.DecodeString(opts.hexData); err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
	}

	p, err := peer.Listen(peer.Options{
		Remote: to,
		Handler: func(from netip.AddrPort, h frame.Header, payload []byte) {
			fmt.Fprintf(out, "← %s %s %x\n", from, h, payload)
		},
	})
	if err != nil {
		return err
	}
	defer p.Close()

	h := frame.Header{Type: typ, ID: transportid.ID(opts.id), Seq: opts.seq}
	if err := p.SendFrame(h, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Fprintf(out, "→ %s %s (%d bytes)\n", to, h, frame.HeaderSize+len(payload))

	if opts.wait <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()
	if err := p.Serve(ctx); err != nil {
		return err
	}
	st := p.Stats()
	fmt.Fprintf(out, "%d datagram(s), %d frame(s), %d ack(s)\n", st.Datagrams, st.Frames, st.Acks)
	return nil
}
