package main

import (
	"fmt"

	"github.com/rflandau/lludp/metrics"
	"github.com/rflandau/lludp/relay"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func relayCmd() *cobra.Command {
	var (
		listen string
		admin  string
		sims   []string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay circuits between clients and simulators",
		Long: `Run a relay. Each simulator (from relay.sims and --sim) gets a client-facing
address that is printed on startup; point clients there instead of at the
simulator. With an admin address set, sessions can be listed, opened and
injected into over HTTP and metrics are served at /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("relay")
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Relay.Listen = listen
			}
			if cmd.Flags().Changed("admin") {
				cfg.Relay.Admin = admin
			}
			cfg.Relay.Sims = append(cfg.Relay.Sims, sims...)
			if err := cfg.Validate(); err != nil {
				return err
			}

			codec, err := cfg.Codec(log)
			if err != nil {
				return err
			}
			opts, err := cfg.RelayOptions(log, codec, metrics.New(nil))
			if err != nil {
				return err
			}
			la, err := cfg.RelayListen()
			if err != nil {
				return err
			}
			r, err := relay.New(la, opts...)
			if err != nil {
				return err
			}

			simAddrs, err := cfg.Sims()
			if err != nil {
				r.Close()
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sim-facing address: %v\n", r.LocalAddr())
			for _, sim := range simAddrs {
				ap, err := r.AddSim(sim)
				if err != nil {
					r.Close()
					return fmt.Errorf("sim %v: %w", sim, err)
				}
				fmt.Fprintf(out, "  %v -> %v\n", ap, sim)
			}

			eg, ctx := errgroup.WithContext(cmd.Context())
			eg.Go(func() error { return r.Run(ctx) })
			if cfg.Relay.Admin != "" {
				fmt.Fprintf(out, "admin api: http://%s\n", cfg.Relay.Admin)
				eg.Go(func() error { return r.ServeAdmin(ctx, cfg.Relay.Admin) })
			}
			return eg.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "sim-facing address (overrides relay.listen)")
	cmd.Flags().StringVar(&admin, "admin", "", "admin API address, e.g. 127.0.0.1:8080 (overrides relay.admin)")
	cmd.Flags().StringSliceVar(&sims, "sim", nil, "simulator host:port to relay to (repeatable)")

	return cmd
}
