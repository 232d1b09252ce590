package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/arnet/internal/transportid"
)

var idsCmd = &cobra.Command{
	Use:   "ids",
	Short: "Print the transport-ID namespace",
	Long: `Print every channel ID of a namespace with its acknowledgment ID, and
check the namespace for collisions.

Examples:
  arnet ids
  arnet ids --ns ble`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespace(idsNS)
		if err != nil {
			return err
		}
		return printIDs(ns, cmd.OutOrStdout())
	},
}

var idsNS string

func init() {
	idsCmd.Flags().StringVar(&idsNS, "ns", "net", "namespace: net or ble")
}

func namespace(name string) (transportid.Namespace, error) {
	switch name {
	case transportid.Default.Name:
		return transportid.Default, nil
	case transportid.BLE.Name:
		return transportid.BLE, nil
	}
	return transportid.Namespace{}, fmt.Errorf("unknown namespace %q", name)
}

func printIDs(ns transportid.Namespace, out io.Writer) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	acks := ns.AckTable()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "namespace %s, size %d, ack offset %d\n", ns.Name, ns.Size, ns.AckOffset())
	fmt.Fprintln(w, "ID\tCHANNEL\tACK")
	for _, id := range ns.Primary() {
		ack := "-"
		if a, ok := acks[id]; ok {
			ack = fmt.Sprintf("%d", a)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, idName(ns, id), ack)
	}
	return w.Flush()
}

func idName(ns transportid.Namespace, id transportid.ID) string {
	switch id {
	case ns.D2CCmdNoAck:
		return "d2c_cmd_noack"
	case ns.D2CCmdWithAck:
		return "d2c_cmd_withack"
	}
	return id.String()
}
