package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xic/loadbalance"
	"xic/message"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	Args    string
	Context map[string]string
	Oneway  bool
	Mode    string
	Timeout time.Duration
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <proxy> <method>",
		Short: "Send one quest and print the answer",
		Long: `Send one quest and print the answer's result.

The proxy is "Service@endpoint@..." or, with a registry configured, a bare
service name. Arguments are sent as given, normally JSON.

Example:
  xic call Echo@tcp+127.0.0.1+5555 ping --args '{"text":"hi"}' --ctx trace=t-1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "{}", "quest arguments")
	cmd.Flags().StringToStringVar(&opts.Context, "ctx", nil, "quest context entries key=value")
	cmd.Flags().BoolVar(&opts.Oneway, "oneway", false, "do not wait for an answer")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "load balancing mode (fixed|round_robin|random|hash)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "give up waiting after this long")

	return cmd
}

func call(ctx context.Context, opts *CallOptions, proxy, method string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := opts.newEngine(zap.NewNop())
	if err != nil {
		return err
	}
	defer func() {
		e.Shutdown()
		e.WaitForShutdown()
	}()

	prx, err := e.StringToProxy(proxy)
	if err != nil {
		return err
	}
	if opts.Mode != "" {
		mode, err := loadbalance.ParseMode(opts.Mode)
		if err != nil {
			return err
		}
		prx = prx.WithMode(mode)
	}

	var qctx message.Context
	for k, v := range opts.Context {
		if qctx == nil {
			qctx = message.Context{}
		}
		qctx[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if opts.Oneway {
		return prx.RequestOneway(ctx, method, []byte(opts.Args), qctx)
	}
	ans, err := prx.Request(ctx, method, []byte(opts.Args), qctx)
	if err != nil {
		return err
	}
	out := ans.Result
	if json.Valid(out) {
		var v any
		if err := json.Unmarshal(out, &v); err == nil {
			out, _ = json.MarshalIndent(v, "", "  ")
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
