// Package cli implements the xic command: a demo server, a one-shot client
// and a shadow file helper.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xic/config"
	"xic/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string

	cfg *config.Config
}

// NewRootCommand creates the root command for the xic CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "xic",
		Short: "XIC RPC runtime tools",
		Long:  "Serve, call and manage credentials for services speaking the XIC protocol.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCallCommand(opts))
	cmd.AddCommand(NewShadowCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	cfg := config.Default()
	if o.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(o.ConfigFile); err != nil {
			return err
		}
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	return nil
}

// newEngine starts an engine from the loaded configuration. log overrides
// the configured logger when not nil.
func (o *RootOptions) newEngine(log *zap.Logger) (*engine.Engine, error) {
	cfg := o.cfg
	if cfg == nil {
		cfg = config.Default()
	}
	var opts []engine.Option
	if log != nil {
		opts = append(opts, engine.WithLogger(log))
	}
	return engine.New(cfg, opts...)
}
