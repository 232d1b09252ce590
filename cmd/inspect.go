package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"firestige.xyz/arnet/internal/frame"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.pcap>",
	Short: "Decode transport frames from a pcap capture",
	Long: `Read a pcap capture, keep the UDP datagrams to or from the given ports
and print every frame they carry. Malformed datagrams are reported with
the number of bytes that could not be decoded.

Examples:
  tcpdump -i any -w link.pcap udp port 9988 or udp port 2233
  arnet inspect link.pcap --port 9988 --port 2233`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = runInspect(f, inspectPorts, cmd.OutOrStdout())
		return err
	},
}

var inspectPorts []uint

func init() {
	inspectCmd.Flags().UintSliceVar(&inspectPorts, "port", []uint{2233, 9988},
		"UDP ports carrying frames, empty for all")
}

// inspectSummary counts what runInspect saw.
type inspectSummary struct {
	Packets   int
	Datagrams int
	Frames    int
	Malformed int
}

func runInspect(r io.Reader, ports []uint, out io.Writer) (inspectSummary, error) {
	var sum inspectSummary

	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return sum, fmt.Errorf("read pcap: %w", err)
	}

	match := func(udp *layers.UDP) bool {
		if len(ports) == 0 {
			return true
		}
		for _, p := range ports {
			if uint(udp.SrcPort) == p || uint(udp.DstPort) == p {
				return true
			}
		}
		return false
	}

	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("read packet %d: %w", sum.Packets+1, err)
		}
		sum.Packets++

		pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.NoCopy)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || !match(udp) {
			continue
		}
		sum.Datagrams++

		var src, dst string
		if nl := pkt.NetworkLayer(); nl != nil {
			flow := nl.NetworkFlow()
			src, dst = flow.Src().String(), flow.Dst().String()
		}
		fmt.Fprintf(out, "%s %s:%d > %s:%d len=%d\n",
			ci.Timestamp.UTC().Format("15:04:05.000000"),
			src, udp.SrcPort, dst, udp.DstPort, len(udp.Payload))

		frames := gopacket.NewPacket(udp.Payload, frame.LayerTypeFrame, gopacket.NoCopy)
		for _, l := range frames.Layers() {
			fl, ok := l.(*frame.Layer)
			if !ok {
				continue
			}
			sum.Frames++
			fmt.Fprintf(out, "  %s payload=%x\n", fl.Header, fl.Body)
		}
		if el := frames.ErrorLayer(); el != nil {
			sum.Malformed++
			fmt.Fprintf(out, "  malformed: %v (%d bytes)\n", el.Error(), len(el.LayerContents()))
		}
	}

	fmt.Fprintf(out, "%d packet(s), %d datagram(s), %d frame(s), %d malformed\n",
		sum.Packets, sum.Datagrams, sum.Frames, sum.Malformed)
	return sum, nil
}
