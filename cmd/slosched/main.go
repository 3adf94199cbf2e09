// Package main wires the slosched daemon entrypoint.
package main

//nolint:depguard // main wires project-internal modules and zap logging
import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"slo-sched/internal/buildinfo"
	"slo-sched/pkg/engine"
	"slo-sched/pkg/events"
	"slo-sched/pkg/hostsim"
	httpmetrics "slo-sched/pkg/http/metrics"
	"slo-sched/pkg/http/status"
	"slo-sched/pkg/slocfg"
)

const (
	defaultConfigPath = "/etc/slosched/config.yaml"
	defaultLogLevel   = "info"
	modeServe         = "serve"
	modeSimulate      = "simulate"

	exitCodeSuccess      = 0
	exitCodeRuntimeError = 1
	exitCodeParseError   = 2

	shutdownTimeout = 5 * time.Second
)

var (
	errInvalidLogLevel = errors.New("invalid log level")
	errUnsupportedMode = errors.New("unsupported mode provided")
	errLockHeld        = errors.New("another slosched instance holds the lock")
)

func main() {
	code := run(context.Background(), os.Args[1:], defaultRunDeps(), os.Stderr)
	if code != 0 {
		os.Exit(code)
	}
}

type runDeps struct {
	newLogger  func(level string) (*zap.Logger, error)
	loadConfig func(path string) (runtimeConfig, error)
	notify     func() (context.Context, context.CancelFunc)
	reloads    func() <-chan os.Signal
}

func defaultRunDeps() runDeps {
	return runDeps{
		newLogger:  newLogger,
		loadConfig: loadRuntimeConfig,
		notify: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		},
		reloads: func() <-chan os.Signal {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGHUP)

			return ch
		},
	}
}

func run(ctx context.Context, args []string, deps runDeps, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)

		return exitCodeParseError
	}

	logger, err := deps.newLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to configure logger: %v\n", err)

		return exitCodeRuntimeError
	}

	defer func() {
		_ = logger.Sync()
	}()

	info := buildinfo.Current()
	logger.Info("starting slosched",
		zap.String("version", info.Version),
		zap.String("commit", info.GitCommit),
		zap.String("buildDate", info.BuildDate),
		zap.String("configPath", opts.configPath),
		zap.String("mode", opts.mode),
	)

	cfg, err := deps.loadConfig(opts.configPath)
	if err != nil {
		logger.Error("failed to load runtime config", zap.Error(err))

		return exitCodeRuntimeError
	}

	if opts.lockPath != "" {
		lock := flock.New(opts.lockPath)

		held, lockErr := lock.TryLock()
		if lockErr != nil {
			logger.Error("failed to acquire instance lock", zap.Error(lockErr))

			return exitCodeRuntimeError
		}

		if !held {
			logger.Error("instance lock unavailable",
				zap.String("path", opts.lockPath),
				zap.Error(errLockHeld),
			)

			return exitCodeRuntimeError
		}

		defer func() {
			_ = lock.Unlock()
		}()
	}

	err = serve(ctx, cfg, opts, deps, logger)
	if err != nil {
		logger.Error("daemon execution failed", zap.Error(err))

		return exitCodeRuntimeError
	}

	return exitCodeSuccess
}

func serve(ctx context.Context, cfg runtimeConfig, opts options, deps runDeps, logger *zap.Logger) error {
	ctx, stop := deps.notify()
	defer stop()

	proxy := newHostProxy()

	eng := engine.New(engine.Options{
		NumCPUs: cfg.Engine.NumCPUs,
		Host:    proxy,
		Logger:  logger,
	})
	defer eng.Detach()

	var source *slocfg.Source

	if cfg.Workloads.Path != "" {
		var err error

		source, err = slocfg.New(cfg.Workloads.Path, eng, logger)
		if err != nil {
			return fmt.Errorf("build workload source: %w", err)
		}

		err = source.Load()
		if err != nil {
			return fmt.Errorf("initial workload load: %w", err)
		}
	}

	var forwarder *events.Forwarder

	if cfg.Sink.URL != "" {
		var err error

		forwarder, err = events.NewForwarder(eng.Events(), cfg.Sink.URL, events.ForwarderOptions{
			PollInterval: cfg.Sink.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("build event forwarder: %w", err)
		}

		go forwarder.Run(ctx)
	}

	server := newHTTPServer(cfg.HTTP.Bind, eng, forwarder)

	go func() {
		serveErr := server.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(serveErr))
		}
	}()

	if opts.mode == modeSimulate {
		err := startSimulator(ctx, cfg, eng, proxy, source, logger)
		if err != nil {
			return err
		}
	}

	runReloadLoop(ctx, deps, source, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("shutdown http server: %w", err))
	}

	logger.Info("slosched stopped")

	return errs
}

func startSimulator(ctx context.Context, cfg runtimeConfig, eng *engine.Engine, proxy *hostProxy, source *slocfg.Source, logger *zap.Logger) error {
	workloads := simWorkloads(source)

	sim, err := hostsim.New(eng, workloads, cfg.Sim.CPUs, cfg.Sim.Period, cfg.Sim.Service)
	if err != nil {
		return fmt.Errorf("build host simulator: %w", err)
	}

	proxy.bind(sim)

	go func() {
		_ = sim.Run(ctx)
	}()

	logger.Info("host simulator running",
		zap.Int("cpus", cfg.Sim.CPUs),
		zap.Duration("period", cfg.Sim.Period),
		zap.Duration("service", cfg.Sim.Service),
	)

	return nil
}

func runReloadLoop(ctx context.Context, deps runDeps, source *slocfg.Source, logger *zap.Logger) {
	reloads := deps.reloads()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloads:
			if source == nil {
				continue
			}

			err := source.Load()
			if err != nil {
				logger.Error("workload config reload failed", zap.Error(err))
			}
		}
	}
}

func newHTTPServer(bind string, eng *engine.Engine, forwarder *events.Forwarder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", httpmetrics.NewHandler(eng))

	var breaker status.Forwarder
	if forwarder != nil {
		breaker = forwarder
	}

	mux.Handle("/healthz", status.NewHandler(eng, breaker))

	return &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}

	cfg := zap.NewProductionConfig()

	err := cfg.Level.UnmarshalText([]byte(level))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidLogLevel, err)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.CallerKey = "caller"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger, nil
}

type options struct {
	configPath string
	logLevel   string
	mode       string
	lockPath   string
}

func parseArgs(args []string) (options, error) {
	var opts options

	flagSet := flag.NewFlagSet("slosched", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(
		&opts.configPath,
		"config",
		defaultConfigPath,
		"Path to the slosched configuration file",
	)
	flagSet.StringVar(
		&opts.logLevel,
		"log-level",
		defaultLogLevel,
		"Structured log level (debug, info, warn, error)",
	)
	flagSet.StringVar(
		&opts.mode,
		"mode",
		modeServe,
		"Daemon mode to use (serve, simulate)",
	)
	flagSet.StringVar(
		&opts.lockPath,
		"lock-file",
		"",
		"Optional lock file preventing concurrent instances",
	)

	err := flagSet.Parse(args)
	if err != nil {
		return options{}, fmt.Errorf("parse CLI arguments: %w", err)
	}

	opts.mode = strings.ToLower(strings.TrimSpace(opts.mode))
	if opts.mode == "" {
		opts.mode = modeServe
	}

	if !isValidMode(opts.mode) {
		return options{}, fmt.Errorf(
			"%w: %q (supported: %s, %s)",
			errUnsupportedMode,
			opts.mode,
			modeServe,
			modeSimulate,
		)
	}

	opts.logLevel = strings.TrimSpace(opts.logLevel)
	if opts.logLevel == "" {
		opts.logLevel = defaultLogLevel
	}

	opts.configPath = strings.TrimSpace(opts.configPath)
	if opts.configPath == "" {
		opts.configPath = defaultConfigPath
	}

	if v, ok := os.LookupEnv(envLockPath); ok && opts.lockPath == "" {
		opts.lockPath = v
	}

	return opts, nil
}

func isValidMode(mode string) bool {
	switch mode {
	case modeServe, modeSimulate:
		return true
	default:
		return false
	}
}
