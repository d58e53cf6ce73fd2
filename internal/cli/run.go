package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/poller"
	"github.com/roach88/offsync/internal/syncer"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Interval    time.Duration
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		Long: `Sync on an interval until interrupted. After a failed sync the next
attempt waits an exponential backoff; a warning is logged once consecutive
failures reach max_attempts_warning.

SIGHUP, or a POST to /sync on --metrics-addr, starts a sync right away.
Conflicts are recorded as pending for "offsync resolve".

Example:
  offsync run --config node.yaml --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoller(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "sync interval (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics and POST /sync on this address")

	return cmd
}

func runPoller(opts *RunOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if cfg.Endpoint == "" {
		return NewExitError(ExitCommandError, "no sync endpoint configured")
	}
	interval := cfg.SyncInterval
	if opts.Interval > 0 {
		interval = opts.Interval
	}
	log := opts.logger()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	return withApp(ctx, opts.RootOptions, func(a *app) error {
		p := poller.New(a.eng, interval,
			poller.WithWarnThreshold(cfg.MaxAttemptsWarning),
			poller.WithLogger(log),
			poller.WithOnResult(func(res syncer.Result) {
				if len(res.Conflicts) > 0 {
					log.Warn("conflicts recorded; run offsync resolve", "count", len(res.Conflicts))
				}
			}),
		)

		if opts.MetricsAddr != "" {
			stop := serveHTTP(ctx, opts.RootOptions, opts.MetricsAddr, newRunMux(a.registry, p))
			defer stop()
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					log.Info("sync requested by SIGHUP")
					p.Trigger()
				}
			}
		}()

		log.Info("sync loop starting", "node_id", a.eng.NodeID(), "endpoint", cfg.Endpoint, "interval", interval)
		fmt.Fprintln(cmd.OutOrStdout(), "Syncing. Press Ctrl-C to stop.")

		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "sync loop error", err)
		}
		log.Info("sync loop stopped")
		return nil
	})
}

// newRunMux serves /metrics and POST /sync, which asks the poller for an
// immediate sync.
func newRunMux(reg prometheus.Gatherer, p *poller.Poller) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		p.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

// signalContext is cancelled on SIGINT/SIGTERM or when parent is done.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// serveHTTP serves h on addr in the background. The returned func shuts the
// server down.
func serveHTTP(ctx context.Context, opts *RootOptions, addr string, h http.Handler) func() {
	log := opts.logger()
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}
}
