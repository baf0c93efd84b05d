package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"xic/secret"
)

// ShadowOptions holds flags for the shadow command.
type ShadowOptions struct {
	*RootOptions
	Password string
}

// NewShadowCommand creates the shadow command.
func NewShadowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShadowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "shadow <identity>",
		Short: "Print a shadow file line for an identity",
		Long: `Print the SRP6a verifier line a server's shadow file needs to
authenticate identity. The password is read from the first line of stdin
unless --password is given.

Example:
  echo hunter2 | xic shadow alice >> /etc/xic/shadow`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := opts.Password
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				if password = strings.TrimRight(line, "\r\n"); password == "" {
					return errors.New("empty password")
				}
			}
			out, err := secret.FormatVerifier(args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Password, "password", "p", "", "password (default: read from stdin)")

	return cmd
}
