// File: facade/hioload.go
// Unified facade layer for hioload-ports.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime aggregates the pieces one application run needs behind a single
// value: configuration, logger, metrics, debug probes, the negotiation
// exchange and the port registry. Shutdown tears them down in reverse
// order of construction.

package facade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/control"
	"github.com/momentics/hioload-ports/internal/exchange"
	"github.com/momentics/hioload-ports/internal/logging"
	"github.com/momentics/hioload-ports/launcher"
	"github.com/momentics/hioload-ports/port"
)

// Options select what New builds. Zero values take the defaults of the
// loaded configuration.
type Options struct {
	ConfigPath string         // empty: defaults plus HIOLOAD_* environment
	Self       api.Locality   // where this run lives
	Exchange   api.Exchanger  // overrides DialNATS
	DialNATS   bool           // connect to the configured NATS server
	Logger     *zap.Logger    // overrides the configured logger
	Describe   func(launcher.Instance, string, api.Role) port.Metadata
}

// Runtime is the facade type.
// It implements api.GracefulShutdown to allow unified shutdown logic.
type Runtime struct {
	cfg      control.Config
	log      *zap.Logger
	metrics  *control.Metrics
	probes   *control.DebugProbes
	store    *control.ConfigStore
	exchange api.Exchanger
	ownsX    bool
	registry *launcher.Registry

	mu   sync.Mutex
	shut bool
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*Runtime)(nil)

// New loads configuration and builds every component.
func New(opts Options) (*Runtime, error) {
	cfg, err := control.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	r := &Runtime{cfg: cfg, log: opts.Logger}
	if r.log == nil {
		if r.log, err = logging.New(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("logger init failure: %w", err)
		}
	}
	if cfg.MetricsEnabled {
		if r.metrics, err = control.NewMetrics(); err != nil {
			return nil, fmt.Errorf("metrics init failure: %w", err)
		}
	}

	// Expose configuration values for observability.
	r.store = control.NewConfigStore()
	r.store.SetConfig(cfg.Snapshot())
	r.probes = control.NewDebugProbes()
	r.probes.RegisterProbe("config", func() any { return r.store.GetSnapshot() })
	control.RegisterPlatformProbes(r.probes)

	switch {
	case opts.Exchange != nil:
		r.exchange = opts.Exchange
	case opts.DialNATS:
		x, err := exchange.DialNATS(cfg.NATSURL, r.log)
		if err != nil {
			return nil, err
		}
		r.exchange, r.ownsX = x, true
	}

	transports, _ := cfg.TransportIDs()
	r.registry = launcher.NewRegistry(launcher.Options{
		Self: opts.Self,
		Defaults: port.Params{
			BufferCount: cfg.BufferCount,
			BufferSize:  cfg.BufferSize,
			Transports:  transports,
		},
		Describe:    opts.Describe,
		Exchange:    r.exchange,
		Subject:     cfg.SubjectPrefix,
		StepTimeout: cfg.StepTimeout,
		Workers:     cfg.DriveWorkers,
		Logger:      r.log,
		Metrics:     r.metrics,
		Probes:      r.probes,
	})
	r.log.Info("runtime ready",
		zap.Int("buffer_count", cfg.BufferCount),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Strings("transports", cfg.Transports),
		zap.Bool("remote", r.exchange != nil))
	return r, nil
}

// Deploy builds the ports d describes and negotiates its remote pairs.
func (r *Runtime) Deploy(ctx context.Context, d *launcher.Deployment) error {
	if err := r.registry.Deploy(d); err != nil {
		return err
	}
	return r.registry.Negotiate(ctx)
}

// Shutdown implements api.GracefulShutdown.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shut {
		return nil
	}
	r.shut = true
	errs := []error{r.registry.Close()}
	if r.ownsX {
		errs = append(errs, r.exchange.Close())
	}
	r.probes.UnregisterProbe("config")
	r.log.Info("runtime stopped")
	r.log.Sync() //nolint:errcheck
	return errors.Join(errs...)
}

func (r *Runtime) Config() control.Config { return r.cfg }

func (r *Runtime) Logger() *zap.Logger { return r.log }

func (r *Runtime) Registry() *launcher.Registry { return r.registry }

// Metrics is nil when metrics are disabled.
func (r *Runtime) Metrics() *control.Metrics { return r.metrics }

// GetDebugAPI returns the probe registry.
func (r *Runtime) GetDebugAPI() api.Debug { return r.probes }

// MetricsHandler serves the metrics registry in the Prometheus text format.
func (r *Runtime) MetricsHandler() http.Handler {
	if r.metrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.metrics.Registry(), promhttp.HandlerOpts{})
}
