package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orrn/boothspool/internal/app"
	"github.com/orrn/boothspool/internal/logging"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the spooler and its control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var appOpts []app.Option
			if opts.enumerator != nil {
				appOpts = append(appOpts, app.WithEnumerator(opts.enumerator))
			}
			a, err := app.New(ctx, cfg, log, appOpts...)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Start(ctx); err != nil {
				return err
			}
			log.Info().Int("port", cfg.Server.Port).Msg("boothspool started")

			err = a.Serve(ctx)
			log.Info().Msg("shutting down")
			return err
		},
	}
}
