// connwatch reports outbound IPv4 connections to public addresses. It plants
// kprobes on the kernel's stream and datagram connect entry points and hands
// one text record per connection to a single consumer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var cfgFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "connwatch",
		Short:         "Watch outbound connections to public IPv4 addresses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./connwatch.yaml or /etc/connwatch/connwatch.yaml)")

	rootCmd.AddCommand(newRunCmd(), newStatusCmd(), newVersionCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Install the connect probes and serve records until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			return runMonitor(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "HTTP listen address")
	flags.String("object", "", "compiled eBPF object")
	flags.String("policy", "", "delivery policy (queue or latest)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("stdout", false, "write records to stdout; /api/stream is not served")
	v.BindPFlag("listen", flags.Lookup("listen"))
	v.BindPFlag("object", flags.Lookup("object"))
	v.BindPFlag("delivery.policy", flags.Lookup("policy"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("stdout", flags.Lookup("stdout"))
	return cmd
}

func newStatusCmd() *cobra.Command {
	v := viper.New()
	return &cobra.Command{
		Use:   "status",
		Short: "Show installed probes and delivery counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), cfg.State.Dir)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "connwatch %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
