package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/network"
	"github.com/spf13/cobra"
)

func pingCmd() *cobra.Command {
	var (
		sim       string
		code      uint32
		timeout   time.Duration
		agentID   string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Open a circuit, wait for the simulator to speak, then log out",
		Long: `Connect a circuit to a simulator with the given circuit code, wait for its
first StartPingCheck or RegionHandshake (both are answered automatically),
then log out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("ping")
			if err != nil {
				return err
			}
			peer, err := netip.ParseAddrPort(sim)
			if err != nil {
				return fmt.Errorf("--sim: %w", err)
			}
			if agentID != "" {
				if cfg.Network.AgentID, err = uuid.Parse(agentID); err != nil {
					return fmt.Errorf("--agent: %w", err)
				}
			}
			if sessionID != "" {
				if cfg.Network.SessionID, err = uuid.Parse(sessionID); err != nil {
					return fmt.Errorf("--session: %w", err)
				}
			}
			codec, err := cfg.Codec(log)
			if err != nil {
				return err
			}

			m := network.New(cfg.NetworkOptions(log, codec, nil)...)
			defer m.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			got := make(chan network.Received, 2)
			for _, name := range []string{message.StartPingCheck, message.RegionHandshake} {
				go func() {
					if r, err := m.WaitFor(ctx, name, nil); err == nil {
						got <- r
					}
				}()
			}

			out := cmd.OutOrStdout()
			start := time.Now()
			c, err := m.Connect(ctx, peer, code, true)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "connected to %v from %v in %v\n", c.Peer(), c.LocalAddr(), time.Since(start).Round(time.Millisecond))

			select {
			case r := <-got:
				fmt.Fprintf(out, "received %s after %v\n", r.Message.Name, time.Since(start).Round(time.Millisecond))
			case <-ctx.Done():
				fmt.Fprintln(out, "simulator stayed quiet")
			}

			if err := m.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(out, "logged out")
			return nil
		},
	}

	cmd.Flags().StringVar(&sim, "sim", "", "simulator host:port")
	cmd.Flags().Uint32Var(&code, "code", 0, "circuit code")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the simulator")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (overrides network.agent-id)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (overrides network.session-id)")
	cmd.MarkFlagRequired("sim")
	cmd.MarkFlagRequired("code")

	return cmd
}
