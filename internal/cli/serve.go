package cli

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/syncserver"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Insecure bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory reference sync server",
		Long: `Run the reference sync server for local development and tests.

POST /sync accepts event batches and GET /metrics exposes Prometheus
metrics. Requests must carry a bearer token signed with server.secret (see
"offsync token") unless --insecure is given. Events are held in memory and
lost on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newServeMux(opts)
			if err != nil {
				return err
			}
			addr := opts.Config.Server.Addr
			if opts.Addr != "" {
				addr = opts.Addr
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			stop := serveHTTP(ctx, opts.RootOptions, addr, h)
			fmt.Fprintf(cmd.OutOrStdout(), "Serving sync on http://%s/sync. Press Ctrl-C to stop.\n", addr)
			<-ctx.Done()
			stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "accept requests without a token")
	return cmd
}

// newServeMux builds the sync server routes from the loaded config.
func newServeMux(opts *ServeOptions) (http.Handler, error) {
	sc := opts.Config.Server
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	srvOpts := []syncserver.Option{
		syncserver.WithLogger(opts.logger()),
		syncserver.WithMetrics(m),
	}
	switch {
	case sc.Secret != "":
		auth, err := syncserver.NewAuth(sc.Secret, sc.Issuer, sc.Audience)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid server auth", err)
		}
		srvOpts = append(srvOpts, syncserver.WithAuth(auth))
	case opts.Insecure:
		opts.logger().Warn("serving without authentication")
	default:
		return nil, NewExitError(ExitCommandError, "server.secret is required (or pass --insecure)")
	}

	srv := syncserver.New(srvOpts...)
	mux := http.NewServeMux()
	mux.Handle("/sync", srv.Handler())
	mux.Handle("/metrics", metrics.Handler(registry))
	return mux, nil
}
