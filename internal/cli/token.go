package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/syncserver"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	TTL time.Duration
}

// TokenResult is the output of the token command.
type TokenResult struct {
	Subject   string    `json:"subject"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for the reference sync server",
		Long: `Mint an HS256 bearer token signed with server.secret. The subject is
usually the node id of the client that will use it.

Example:
  offsync token tablet-7 --ttl 720h --config server.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := opts.Config.Server
			auth, err := syncserver.NewAuth(sc.Secret, sc.Issuer, sc.Audience)
			if err != nil {
				return WrapExitError(ExitCommandError, "server.secret is required", err)
			}
			tok, err := auth.Mint(args[0], opts.TTL)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to mint token", err)
			}

			res := TokenResult{Subject: args[0], Token: tok, ExpiresAt: time.Now().Add(opts.TTL).UTC()}
			return opts.formatter(cmd).Emit(res, func(w io.Writer) {
				fmt.Fprintln(w, tok)
			})
		},
	}

	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
