package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/slopeside/slopeside/internal/api"
	"github.com/slopeside/slopeside/internal/config"
	"github.com/slopeside/slopeside/internal/kv"
	"github.com/slopeside/slopeside/internal/metrics"
	"github.com/slopeside/slopeside/internal/network"
	"github.com/slopeside/slopeside/internal/offline"
	"github.com/slopeside/slopeside/internal/remote"
	"github.com/slopeside/slopeside/internal/scheduler"
	"github.com/slopeside/slopeside/internal/status"
)

// tokenWarnWindow is how close to expiry the remote token may get before
// startup warns about it.
const tokenWarnWindow = 7 * 24 * time.Hour

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	level      *slog.LevelVar
	logFile    *lumberjack.Logger

	Store     kv.Store
	Executor  *offline.RemoteExecutor
	Monitor   *network.Monitor
	Prober    *network.Prober
	Queue     *offline.Queue
	APIServer *api.Server
	Publisher *status.Publisher
	Scheduler *scheduler.Scheduler
	Watcher   *config.Watcher
}

func runDaemon(configPath string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("slopesync run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", configPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	app, err := setup(*path, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Setup failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	printBanner(app, stdout)

	if err := app.Serve(ctx); err != nil {
		app.Logger.Error("daemon stopped with error", "error", err)
		return 1
	}
	app.Logger.Info("slopesync stopped")
	return 0
}

// setup loads the config and builds every component.
func setup(configPath string, out io.Writer) (*App, error) {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	logger.Info("starting slopesync", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level.Set(parseLogLevel(cfg.Server.LogLevel))

	var logFile *lumberjack.Logger
	if cfg.Server.LogFile != "" {
		logFile = newLogFile(cfg.Server.LogFile)
		logger = slog.New(slog.NewTextHandler(io.MultiWriter(out, logFile), &slog.HandlerOptions{Level: level}))
		logger.Info("logging to file", "path", cfg.Server.LogFile)
	}

	if cfg.Remote.URL == "" {
		closeLogFile(logFile)
		return nil, fmt.Errorf("no remote configured: set remote.url in %s or %s", configPath, config.EnvRemoteURL)
	}

	store, err := kv.Open(cfg.Store.Backend, cfg.StorePath())
	if err != nil {
		closeLogFile(logFile)
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	app, err := newApp(cfg, configPath, store, logger, level)
	if err != nil {
		store.Close()
		closeLogFile(logFile)
		return nil, err
	}
	app.logFile = logFile
	return app, nil
}

// newLogFile opens a size-rotated log file.
func newLogFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}

func closeLogFile(f *lumberjack.Logger) {
	if f != nil {
		f.Close() //nolint:errcheck
	}
}

// newApp wires the components around an already opened store.
func newApp(cfg *config.Config, configPath string, store kv.Store, logger *slog.Logger, level *slog.LevelVar) (*App, error) {
	app := &App{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger,
		level:      level,
		Store:      store,
	}

	checkRemoteToken(cfg.Remote.Token, time.Now(), logger)

	client := remote.NewClient(cfg.Remote.URL, cfg.Remote.Token, logger)
	client.SetRateLimit(cfg.Remote.RequestsPerSecond, cfg.Remote.Burst)
	app.Executor = offline.NewRemoteExecutor(remote.NewService(client, logger), cfg.Sync.ExecuteTimeout(), logger)

	app.Monitor = network.NewMonitor(logger)
	app.Prober = network.NewProber(app.Monitor, network.ProberConfig{
		URL:      cfg.Network.ProbeURL,
		Interval: cfg.Network.ProbeInterval(),
		Timeout:  cfg.Network.ProbeTimeout(),
	}, logger)

	app.Queue = offline.New(offline.Config{MaxAttempts: cfg.Sync.MaxAttempts},
		offline.NewKVStore(store), app.Executor, app.Monitor, logger)
	app.Queue.OnGiveUp(func(g offline.GiveUp) {
		logger.Warn("action dropped", "id", g.ID, "kind", g.Kind, "attempts", g.Attempts,
			"digest", g.Digest, "summary", g.Summary, "reason", g.Reason)
	})

	var secret []byte
	if cfg.Server.APISecret != "" {
		secret = []byte(cfg.Server.APISecret)
	} else {
		logger.Warn("API auth disabled: server.apiSecret is not set")
	}
	app.APIServer = api.NewServer(cfg.Server.Port, app.Queue, secret, logger)
	app.APIServer.SetMetricsHandler(metrics.Handler())

	if cfg.MQTT.Enabled {
		app.Publisher = status.NewPublisher(cfg.MQTT, logger)
	}

	sched, err := scheduler.NewScheduler(cfg.Schedule.SyncCron, app.Queue, app.Monitor, logger)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	app.Scheduler = sched

	app.Watcher = config.NewWatcher(configPath, 5*time.Second, logger, app.reload)
	return app, nil
}

// checkRemoteToken warns when the remote auth token is expired or close to
// it. Tokens that are not JWTs are passed through untouched.
func checkRemoteToken(token string, now time.Time, logger *slog.Logger) {
	if token == "" {
		logger.Warn("no remote auth token configured", "env", config.EnvRemoteToken)
		return
	}
	exp, ok, err := remote.TokenExpiry(token)
	if err != nil {
		logger.Debug("remote token expiry unknown", "error", err)
		return
	}
	if !ok {
		return
	}
	switch {
	case !exp.After(now):
		logger.Warn("remote auth token has expired; queued actions will not sync", "expiredAt", exp)
	case exp.Sub(now) < tokenWarnWindow:
		logger.Warn("remote auth token expires soon", "expiresAt", exp)
	}
}

// Serve starts every component and blocks until ctx is cancelled or the API
// server fails. Components are stopped before it returns.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Queue.Start(ctx); err != nil {
		a.Store.Close()
		closeLogFile(a.logFile)
		return fmt.Errorf("start queue: %w", err)
	}
	defer a.shutdown()

	a.Prober.Start(ctx)
	a.Scheduler.Start()
	a.Watcher.Start()

	if a.Publisher != nil {
		if err := a.Publisher.Start(ctx, a.Queue); err != nil {
			a.Logger.Warn("mqtt status publishing disabled", "error", err)
			a.Publisher = nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.APIServer.Start(gctx)
	})
	g.Go(func() error {
		a.handleSignals(gctx)
		return nil
	})
	g.Go(func() error {
		metrics.Observe(gctx, a.Queue)
		return nil
	})
	return g.Wait()
}

func (a *App) shutdown() {
	a.Logger.Info("shutting down")
	a.Watcher.Stop()
	a.Scheduler.Stop()
	a.Prober.Stop()
	if a.Publisher != nil {
		a.Publisher.Stop()
	}
	a.Queue.Stop()
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("close queue store", "error", err)
	}
	closeLogFile(a.logFile)
}

// reload re-reads the config file and applies what can change at runtime.
func (a *App) reload() {
	result, err := a.Config.Reload(a.ConfigPath)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(a.Logger)
	a.applyReload(result)
}

func (a *App) applyReload(r *config.ReloadResult) {
	config.RLock()
	defer config.RUnlock()

	if r.Has("Server.LogLevel") {
		a.level.Set(parseLogLevel(a.Config.Server.LogLevel))
	}
	if r.Has("Sync.ExecuteTimeoutSec") {
		a.Executor.SetTimeout(a.Config.Sync.ExecuteTimeout())
	}
	if r.Has("Network.ProbeIntervalSec") {
		a.Prober.SetInterval(a.Config.Network.ProbeInterval())
	}
	if r.Has("Schedule.SyncCron") {
		if err := a.Scheduler.SetSpec(a.Config.Schedule.SyncCron); err != nil {
			a.Logger.Error("apply sync schedule", "error", err)
		}
	}
}

func printBanner(app *App, w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  🏂 slopesync v%s\n", version)
	fmt.Fprintf(w, "  🌐 API: http://127.0.0.1:%d\n", app.Config.Server.Port)
	fmt.Fprintf(w, "  📈 Metrics: http://127.0.0.1:%d/metrics\n", app.Config.Server.Port)
	fmt.Fprintf(w, "  🗄  Store: %s (%s)\n", app.Config.Store.Backend, app.Config.StorePath())
	if spec := app.Scheduler.Spec(); spec != "" {
		fmt.Fprintf(w, "  ⏱  Scheduled sync: %s\n", spec)
	}
	if app.Publisher != nil {
		fmt.Fprintf(w, "  📡 MQTT device: %s\n", app.Publisher.DeviceID())
	}
	fmt.Fprintln(w)
}
