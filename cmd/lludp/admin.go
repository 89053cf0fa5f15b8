package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rflandau/lludp/relay"
	"github.com/rflandau/lludp/relay/client"
	"github.com/spf13/cobra"
)

const defaultAdmin = "http://127.0.0.1:8080"

func sessionsCmd() *cobra.Command {
	var (
		admin  string
		asJSON bool
		add    string
		remove string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List (or open and close) a running relay's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(admin)
			defer c.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if add != "" {
				info, err := c.AddSession(ctx, add)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s -> %s\n", info.Listen, info.Sim)
			}
			if remove != "" {
				if err := c.RemoveSession(ctx, remove); err != nil {
					return err
				}
			}

			sessions, err := c.Sessions(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SIM\tLISTEN\tCLIENT\tIN SEQ\tOUT SEQ\tINJECTED\tDROPPED\tAWAITING")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d/%d\t%d/%d\t%d\n",
					s.Sim, s.Listen, s.Client,
					s.Incoming.Sequence, s.Outgoing.Sequence,
					s.Incoming.Injected, s.Outgoing.Injected,
					s.Incoming.Dropped, s.Outgoing.Dropped,
					s.Incoming.Awaiting+s.Outgoing.Awaiting)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&admin, "admin", defaultAdmin, "base URL of the relay's admin API")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw session snapshots")
	cmd.Flags().StringVar(&add, "add", "", "open a session for this sim first")
	cmd.Flags().StringVar(&remove, "remove", "", "close this sim's session first")

	return cmd
}

func injectCmd() *cobra.Command {
	var (
		admin    string
		sim      string
		dir      string
		msg      string
		blocks   string
		reliable bool
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject a message into a relayed session",
		Long: `Ask a running relay to synthesize a message. "in" travels to the client,
"out" to the simulator. Blocks are given as JSON, for example:

  lludp inject --sim 127.0.0.1:13000 --dir in --message StartPingCheck \
    --blocks '{"PingID": [{"PingID": 5}]}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := relay.ParseDirection(dir); err != nil {
				return err
			}
			req := relay.InjectRequest{Direction: dir, Message: msg, Reliable: reliable}
			if blocks != "" {
				if err := json.Unmarshal([]byte(blocks), &req.Blocks); err != nil {
					return fmt.Errorf("--blocks: %w", err)
				}
			}

			c := client.New(admin)
			defer c.Close()
			res, err := c.Inject(cmd.Context(), sim, req)
			if err != nil {
				return err
			}
			if res.Queued {
				fmt.Fprintln(cmd.OutOrStdout(), "queued until the client sends its first packet")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "injected")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&admin, "admin", defaultAdmin, "base URL of the relay's admin API")
	cmd.Flags().StringVar(&sim, "sim", "", "simulator host:port identifying the session")
	cmd.Flags().StringVar(&dir, "dir", "in", "direction: in (to the client) or out (to the simulator)")
	cmd.Flags().StringVarP(&msg, "message", "m", "", "message name")
	cmd.Flags().StringVar(&blocks, "blocks", "", "block values as JSON")
	cmd.Flags().BoolVar(&reliable, "reliable", false, "send reliably")
	cmd.MarkFlagRequired("sim")
	cmd.MarkFlagRequired("message")

	return cmd
}
