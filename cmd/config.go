package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/arnet/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and the
environment have been merged.

Examples:
  arnet config show
  ARNET_FAULT_INJECTION_RX_DROP_RATIO=10 arnet config show -c arnet.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showConfig(cfg, cmd.OutOrStdout())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the daemon.

Examples:
  arnet validate -f arnet.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand(cmd.OutOrStdout())
	},
}

var validateConfigFile string

func init() {
	configCmd.AddCommand(configShowCmd)

	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func showConfig(cfg *config.Config, out io.Writer) error {
	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runValidateCommand(out io.Writer) {
	if _, err := os.Stat(validateConfigFile); err != nil {
		exitWithError(fmt.Sprintf("failed to read file %s", validateConfigFile), err)
	}

	cfg, err := config.Load(validateConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(out, "VALID: tx %s:%d, rx %d, qos %t, ping every %s\n",
		cfg.Transport.TxAddr, cfg.Transport.TxPort,
		cfg.Transport.RxPort, cfg.Transport.QoS, cfg.Transport.PingPeriod)
}
