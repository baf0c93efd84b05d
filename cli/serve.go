package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"xic/endpoint"
	"xic/engine"
	"xic/message"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Adapter   string
	Endpoints string
	Service   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo servant until interrupted",
		Long: `Run an adapter with one servant that answers every quest with its own
arguments. The adapter endpoints come from --endpoints or, when empty, from
the adapters section of the configuration.

Example:
  xic serve --endpoints tcp+0.0.0.0+5555 --service Echo`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Adapter, "adapter", "Main", "adapter name")
	cmd.Flags().StringVarP(&opts.Endpoints, "endpoints", "e", "", "endpoints to listen on, '@'-separated")
	cmd.Flags().StringVarP(&opts.Service, "service", "s", "Echo", "service name of the echo servant")

	return cmd
}

// EchoServant answers every twoway quest with its arguments.
func EchoServant() engine.Servant {
	return engine.ServantFunc(func(ctx context.Context, q *message.Quest) *message.Answer {
		return &message.Answer{Result: q.Args}
	})
}

func serve(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	e, err := opts.newEngine(nil)
	if err != nil {
		return err
	}
	defer func() {
		e.Shutdown()
		e.WaitForShutdown()
	}()

	a, err := e.CreateAdapter(opts.Adapter, opts.Endpoints)
	if err != nil {
		return err
	}
	if err := a.AddServant(opts.Service, EchoServant()); err != nil {
		return err
	}
	if err := a.Activate(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s@%s\n", opts.Service, endpoint.JoinList(a.Endpoints()))

	<-ctx.Done()
	return nil
}
