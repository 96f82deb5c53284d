// Package runtime assembles the funf services from a config.Config: the
// SQLite store, the probe manager and its timer, the type registry, the
// compiler and the archive upload worker.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/funf-org/funf/internal/alarm"
	"github.com/funf-org/funf/internal/archive"
	"github.com/funf-org/funf/internal/compiler"
	"github.com/funf-org/funf/internal/config"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/metric"
	"github.com/funf-org/funf/internal/pipeline"
	"github.com/funf-org/funf/internal/probe"
	"github.com/funf-org/funf/internal/registry"
	"github.com/funf-org/funf/internal/sources"
	"github.com/funf-org/funf/internal/store"
)

// Runtime owns the long-lived services of one process.
type Runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.Metrics

	clock   alarm.Clock
	timer   alarm.Timer
	store   *store.Store
	manager *probe.Manager
	reg     *registry.Registry
	comp    *compiler.Compiler
	uploads *archive.Pipeline
	nc      *nats.Conn
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithClock and WithTimer replace the system clock and the in-process
// timer, for tests.
func WithClock(c alarm.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

func WithTimer(t alarm.Timer) Option {
	return func(r *Runtime) { r.timer = t }
}

// handlerSetter is implemented by timers that deliver fired keys to a
// handler.
type handlerSetter interface {
	SetHandler(h func(key string))
}

// New opens the store and builds every service. Close releases them.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metric.New(),
		clock:   alarm.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.store = st

	if r.timer == nil {
		local := alarm.NewLocal(r.clock)
		r.timer = local
	}
	r.manager = probe.NewManager(probe.Deps{
		Timer:   r.timer,
		Clock:   r.clock,
		Store:   st,
		Logger:  r.logger,
		Metrics: r.metrics,
	})
	switch t := r.timer.(type) {
	case *alarm.Local:
		t.SetHandler(r.manager.HandleAlarm)
	case handlerSetter:
		t.SetHandler(r.manager.HandleAlarm)
	}

	var js jetstream.JetStream
	if cfg.NATS.URL != "" {
		r.nc, err = nats.Connect(cfg.NATS.URL, nats.Name("funf"), nats.Timeout(cfg.NATS.Timeout))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		if js, err = jetstream.New(r.nc); err != nil {
			r.Close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
	}

	local, err := archive.NewDirArchive(cfg.ArchiveDir)
	if err != nil {
		r.Close()
		return nil, err
	}
	remotes, err := buildRemotes(cfg, js)
	if err != nil {
		r.Close()
		return nil, err
	}
	var conn archive.Connectivity = archive.AlwaysOnline{}
	if cfg.Connectivity.CheckAddress != "" {
		conn = archive.DialCheck{Address: cfg.Connectivity.CheckAddress, Timeout: cfg.Connectivity.Timeout}
	}
	r.uploads = archive.NewPipeline(local, remotes,
		archive.WithConfig(cfg.ArchiveConfig()),
		archive.WithConnectivity(conn),
		archive.WithLogger(r.logger),
		archive.WithMetrics(r.metrics),
		archive.WithClock(r.clock.Now),
	)

	r.reg = registry.New(r.metrics)
	if err := r.registerTypes(js); err != nil {
		r.Close()
		return nil, err
	}
	r.comp = compiler.New(r.reg, compiler.WithLogger(r.logger), compiler.WithMetrics(r.metrics))
	return r, nil
}

func (r *Runtime) registerTypes(js jetstream.JetStream) error {
	if err := compiler.RegisterBuiltins(r.reg, r.logger); err != nil {
		return err
	}
	if err := sources.Register(r.reg, r.manager, r.clock); err != nil {
		return err
	}
	return pipeline.Register(r.reg, pipeline.Deps{
		Records:   r.store,
		Archive:   r.uploads,
		JetStream: js,
		Logger:    r.logger,
		Now:       r.clock.Now,
	})
}

func buildRemotes(cfg *config.Config, js jetstream.JetStream) ([]archive.RemoteArchive, error) {
	var remotes []archive.RemoteArchive
	for _, rc := range cfg.Remotes {
		switch rc.Type {
		case config.RemoteObjectStore:
			remote, err := archive.NewObjectStoreArchive(rc.ID, js, rc.Bucket)
			if err != nil {
				return nil, err
			}
			remotes = append(remotes, remote)
		default:
			remote, err := archive.NewHTTPArchive(rc.ID, rc.URL, nil)
			if err != nil {
				return nil, err
			}
			for k, v := range rc.Headers {
				remote.SetHeader(k, v)
			}
			remotes = append(remotes, remote)
		}
	}
	return remotes, nil
}

// Store returns the SQLite store.
func (r *Runtime) Store() *store.Store { return r.store }

// Uploads returns the archive upload pipeline.
func (r *Runtime) Uploads() *archive.Pipeline { return r.uploads }

// Compiler returns the document compiler.
func (r *Runtime) Compiler() *compiler.Compiler { return r.comp }

// Registry returns the type registry.
func (r *Runtime) Registry() *registry.Registry { return r.reg }

// Manager returns the probe manager.
func (r *Runtime) Manager() *probe.Manager { return r.manager }

// Metrics returns the metrics of the process.
func (r *Runtime) Metrics() *metric.Metrics { return r.metrics }

// starter is implemented by compiled roots that run, such as pipelines.
type starter interface {
	Start(ctx context.Context) error
}

// Start compiles doc and starts every root that can be started. Nodes
// that failed to compile are skipped; their errors are in the result.
func (r *Runtime) Start(ctx context.Context, doc ir.Object) (*compiler.Result, error) {
	res := r.comp.Compile(ctx, doc)
	var errs []error
	for _, root := range roots(res.Root) {
		s, ok := root.(starter)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func roots(root any) []any {
	switch v := root.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make([]any, 0, len(v))
		for _, k := range slices.Sorted(maps.Keys(v)) {
			out = append(out, v[k])
		}
		return out
	default:
		return []any{v}
	}
}

// Run starts doc and serves until ctx is cancelled, running the upload
// worker and, when configured, the metrics endpoint. On shutdown every
// lifecycle is disabled but the compiled graph is not torn down, so the
// persisted requests survive for the next process.
func (r *Runtime) Run(ctx context.Context, doc ir.Object) error {
	res, err := r.Start(ctx, doc)
	for _, cerr := range res.Errors {
		r.logger.Warn("configuration error", "error", cerr)
	}
	if err != nil {
		r.logger.Warn("start failed", "error", err)
	}
	r.logger.Info("funf running", "nodes", len(res.Nodes), "config_errors", len(res.Errors))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.uploads.Run(gctx)
	})
	if r.cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: r.cfg.MetricsAddr, Handler: r.metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			r.logger.Info("serving metrics", "addr", r.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.manager.Shutdown(stopCtx)
	r.logger.Info("funf stopped")
	return err
}

func (r *Runtime) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Close releases the timer, the NATS connection and the store.
func (r *Runtime) Close() error {
	if l, ok := r.timer.(*alarm.Local); ok {
		l.Close()
	}
	if r.nc != nil {
		r.nc.Close()
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
