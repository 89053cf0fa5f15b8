package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rflandau/lludp/message"
	"github.com/spf13/cobra"
)

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Work with message template files",
	}
	cmd.AddCommand(templateCheckCmd())
	return cmd
}

func templateCheckCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "check [FILE]",
		Short: "Parse a template file and list its messages",
		Long:  `Parse a message template file and list every message it defines. With no FILE the built-in templates are listed.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := message.DefaultSchema()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				if schema, err = message.ParseTemplate(f); err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFREQUENCY\tID\tTRUST\tENCODING\tBLOCKS")
			for _, t := range schema.Templates() {
				trust, enc := "NotTrusted", "Unencoded"
				if t.Trusted {
					trust = "Trusted"
				}
				if t.Zerocoded {
					enc = "Zerocoded"
				}
				names := make([]string, len(t.Blocks))
				for i, b := range t.Blocks {
					names[i] = b.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.Name, t.Frequency, t.ID, trust, enc, strings.Join(names, ","))
				if verbose {
					for _, b := range t.Blocks {
						for _, f := range b.Fields {
							fmt.Fprintf(tw, "\t\t\t\t%s.%s\t%s\n", b.Name, f.Name, f.Type)
						}
					}
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d messages\n", schema.Len())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every field")
	return cmd
}
