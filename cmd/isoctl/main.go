package main

import (
	"fmt"
	"os"

	"github.com/danmuck/isoctl/internal/config"
	"github.com/danmuck/isoctl/internal/logging"
	"github.com/danmuck/isoctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "isoctl: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "isoctl",
		Short:         "Drive and answer ISO transport (TPKT/X.224) connections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("isoctl")
			if logLevel == "" {
				return nil
			}
			level, ok := logging.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace|debug|info|warn|error)")

	root.AddCommand(
		connectCmd(),
		serveCmd(),
		configCmd(),
	)
	return root
}

func configCmd() *cobra.Command {
	var (
		kind  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "config <path>",
		Short: "Write a client or server config template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "client", "template kind: client|server")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
