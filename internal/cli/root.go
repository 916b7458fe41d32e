// Package cli holds the boothspoold commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orrn/boothspool/internal/config"
	"github.com/orrn/boothspool/internal/core"
	"github.com/orrn/boothspool/internal/cups"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string

	// enumerator overrides CUPS discovery in tests.
	enumerator core.Enumerator
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "boothspoold",
		Short:         "Photo booth print spooler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .json or .toml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPrintersCommand(opts))
	cmd.AddCommand(newHashPasswordCommand())

	return cmd
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (o *RootOptions) enumeratorOr(d *cups.Driver) core.Enumerator {
	if o.enumerator != nil {
		return o.enumerator
	}
	return d
}
