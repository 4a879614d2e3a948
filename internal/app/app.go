package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timerd/internal/broker"
	"timerd/internal/channels/telegram"
	"timerd/internal/clock"
	"timerd/internal/config"
	"timerd/internal/eventbus"
	"timerd/internal/jobs"
	"timerd/internal/metrics"
	"timerd/internal/notify"
	"timerd/internal/observability/pprof"
	"timerd/internal/realtime"
	"timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

// PruneJobName is the housekeeping job that deletes old read notifications.
const PruneJobName = "notifications:prune"

// App owns every service of the daemon. Each is built once in New and
// injected into the services that need it.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	reg   *prometheus.Registry
	sink  metrics.Sink
	store storage.Store
	clock *clock.Service
	bus   *eventbus.Bus
	sched *jobs.Service
	notif *notify.Service
	tmr   *timer.Service
	hub   *realtime.Hub

	httpCfg config.HTTPConfig
	metrics config.MetricsConfig
	srv     *http.Server
	addr    net.Addr
}

// New loads the config at cfgPath and builds the services. Nothing is
// started.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		httpCfg: cfg.HTTP,
		metrics: cfg.Metrics,
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	a.sink = metrics.NoopSink{}
	if cfg.Metrics.Enabled {
		a.reg = prometheus.NewRegistry()
		a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.sink = metrics.NewPrometheusSink(a.reg, comp("metrics"))
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	a.clock, err = clock.New(clock.Config{Timezone: cfg.Clock.Timezone}, store, comp("clock"))
	if err != nil {
		return fail(err)
	}

	a.bus = eventbus.New(comp("eventbus"))

	bc, err := mapBroker(cfg)
	if err != nil {
		return fail(err)
	}
	jc, err := mapScheduler(cfg)
	if err != nil {
		return fail(err)
	}
	brokerLog := comp("broker")
	a.sched = jobs.New(jc, func(ctx context.Context) (broker.Queue, error) {
		return broker.Dial(ctx, bc, brokerLog)
	}, comp("scheduler"), a.sink)

	nc, err := mapNotify(cfg)
	if err != nil {
		return fail(err)
	}
	a.notif = notify.New(nc, store, a.sched, a.bus, a.clock, comp("notify"), a.sink)
	a.tmr = timer.New(a.sched, a.notif, a.bus, a.clock, comp("timer"), a.sink)

	if cfg.Realtime.Enabled {
		rc, err := mapRealtime(cfg)
		if err != nil {
			return fail(err)
		}
		a.hub = realtime.NewHub(rc, comp("realtime"))
		a.notif.AttachSink(a.hub)
	}

	if tc := mapTelegram(cfg); tc.Enabled {
		ch, err := telegram.New(tc, comp("telegram"))
		if err != nil {
			return fail(fmt.Errorf("channels.telegram: %w", err))
		}
		a.notif.RegisterChannel(ch.Name(), ch.Handle)
		a.log.Info("notification channel registered", logx.String("channel", ch.Name()))
	}

	return a, nil
}

func (a *App) Timers() *timer.Service         { return a.tmr }
func (a *App) Notifications() *notify.Service { return a.notif }
func (a *App) Scheduler() *jobs.Service       { return a.sched }
func (a *App) Bus() *eventbus.Bus             { return a.bus }
func (a *App) Clock() *clock.Service          { return a.clock }
func (a *App) Logger() logx.Logger            { return a.log }

// Addr is the bound HTTP address, or nil when the listener is disabled.
func (a *App) Addr() net.Addr { return a.addr }

// Done is closed when the app context is cancelled by Stop or a fatal
// task error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches background work and returns without waiting for the
// broker. Scheduling calls fail with jobs.ErrSchedulerUnavailable until
// the scheduler is ready.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.startHTTP(); err != nil {
		return err
	}

	a.sched.Start(runCtx)

	if cfg := a.notif.Config(); cfg.PruneAfter > 0 {
		a.sup.Go("notify.prune.register", func(c context.Context) error {
			if !a.waitReady(c) {
				return nil
			}
			a.sched.AddCron(c, PruneJobName, "@every "+cfg.PruneEvery.String(), a.notif.PruneJob)
			a.log.Info("prune job registered", logx.Duration("every", cfg.PruneEvery), logx.Duration("older_than", cfg.PruneAfter))
			return nil
		})
	}

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// waitReady blocks until the scheduler holds a broker connection.
func (a *App) waitReady(ctx context.Context) bool {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for !a.sched.Ready() {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

// applyConfig applies live-reloadable settings. Everything else is logged
// by the config manager as needing a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogging(cfg))
	a.log.Debug("logging config applied", logx.String("level", cfg.Logging.Level))
}

func (a *App) startHTTP() error {
	addr := strings.TrimSpace(a.httpCfg.Addr)
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	if a.reg != nil {
		path := a.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))
	}
	if a.hub != nil {
		mux.Handle(a.hub.Path(), a.hub)
	}
	mux.HandleFunc("/healthz", a.healthz)
	pc := a.httpCfg.Pprof
	if err := pprof.Mount(mux, pprof.Config{
		Enabled:       pc.Enabled,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
	}, addr, a.log.With(logx.String("comp", "pprof"))); err != nil {
		return err
	}

	readTimeout, err := config.ParseDurationOrDefault("http.read_timeout", a.httpCfg.ReadTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	a.addr = ln.Addr()
	a.srv = &http.Server{Handler: mux, ReadHeaderTimeout: readTimeout}
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.log.Info("http listening", logx.String("addr", a.addr.String()))
	return nil
}

// healthz reports 503 while the scheduler is degraded. With ?verbose=1 the
// body is JSON including the supervised background tasks.
func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ready := a.sched.Ready()
	if r.URL.Query().Get("verbose") != "" {
		var tasks []supervisor.TaskStats
		if a.sup != nil {
			tasks = a.sup.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			SchedulerReady bool                   `json:"scheduler_ready"`
			Tasks          []supervisor.TaskStats `json:"tasks"`
		}{ready, tasks})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("scheduler degraded\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

// Stop shuts services down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		err := a.store.Close()
		a.logs.Close()
		return err
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", a.httpCfg.ShutdownTimeout, 5*time.Second)
	if err != nil {
		shutdown = 5 * time.Second
	}

	a.step(ctx, "http", shutdown, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "realtime", time.Second, func(context.Context) error {
		if a.hub != nil {
			a.hub.Close()
		}
		return nil
	})
	a.step(ctx, "eventbus", 2*time.Second, func(context.Context) error { a.bus.Wait(); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
	}
}
