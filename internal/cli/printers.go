package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orrn/boothspool/internal/core"
	"github.com/orrn/boothspool/internal/cups"
	"github.com/orrn/boothspool/internal/logging"
)

func newPrintersCommand(opts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "printers",
		Short: "Probe the OS for printers and print what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())

			enum := opts.enumeratorOr(cups.New(cups.WithLogger(log)))
			reg := core.NewRegistry(enum,
				core.WithProbeTimeout(cfg.Registry.ProbeTimeout),
				core.WithRegistryLogger(log),
			)
			printers, err := reg.Discover(cmd.Context(), true)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if printers == nil {
					printers = []core.PrinterRecord{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(printers)
			}

			if len(printers) == 0 {
				fmt.Fprintln(out, "no printers found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tDEFAULT\tMEDIA")
			for _, p := range printers {
				def := ""
				if p.IsDefault {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.Name, p.Status, def, len(p.Capabilities.MediaSizes))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the discovery result as JSON")
	return cmd
}
