package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/eventstore"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/schema"
	"github.com/roach88/offsync/internal/syncer"
)

// app is one opened node: store, optional coordinator and engine, sharing
// one metrics registry.
type app struct {
	eng      *engine.Engine
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// openApp builds the node described by the loaded config and initializes
// its store. The coordinator is only wired when an endpoint is configured.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg := opts.Config
	log := opts.logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	storeOpts := []eventstore.Option{eventstore.WithLogger(log)}
	if cfg.NodeID != "" {
		storeOpts = append(storeOpts, eventstore.WithNodeID(cfg.NodeID))
	}
	if cfg.Schema != "" {
		reg, err := schema.Load(cfg.Schema)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
		}
		storeOpts = append(storeOpts, eventstore.WithValidator(reg))
	}
	store := eventstore.New(eventstore.SQLiteOpener(cfg.DB), storeOpts...)

	var coord *syncer.Coordinator
	if cfg.Endpoint != "" {
		coord = syncer.New(store, cfg.Endpoint, cfg.Token,
			syncer.WithLogger(log),
			syncer.WithMetrics(m),
		)
	}

	eng := engine.New(store, coord,
		engine.WithSnapshotEvery(cfg.SnapshotThreshold()),
		engine.WithLogger(log),
		engine.WithMetrics(m),
	)
	if err := eng.Initialize(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open database %s", cfg.DB), err).WithErrCode(CodeStorage)
	}
	log.Debug("node ready", "db", cfg.DB, "node_id", eng.NodeID(), "endpoint", cfg.Endpoint)

	return &app{eng: eng, registry: registry, metrics: m}, nil
}

func (a *app) close(opts *RootOptions) {
	if err := a.eng.Close(); err != nil {
		opts.logger().Error("error closing database", "error", err)
	}
}

// withApp opens the node, runs fn and closes the node.
func withApp(ctx context.Context, opts *RootOptions, fn func(*app) error) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close(opts)
	return fn(a)
}
