// Command lludp drives circuits, relays and message templates from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rflandau/lludp/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// persistent flags
var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lludp",
		Short: "Reliable-UDP circuits, relays and message templates",
		Long: `lludp speaks the template-driven reliable UDP protocol.

It can open a circuit to a simulator, run a relay that sits between clients
and simulators (renumbering packets so injections go unnoticed), talk to a
running relay's admin API, and validate message template files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		relayCmd(),
		pingCmd(),
		sessionsCmd(),
		injectCmd(),
		templateCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration named by --config (or the defaults), applies --log-level and builds the root logger.
func setup(tag string) (config.Config, *zerolog.Logger, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := cfg.Logger(os.Stderr, tag)
	if err != nil {
		return cfg, nil, fmt.Errorf("log level: %w", err)
	}
	return cfg, log, nil
}
