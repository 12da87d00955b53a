package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kentik/kentik-image-cache/internal/cache"
	"github.com/kentik/kentik-image-cache/internal/config"
	"github.com/kentik/kentik-image-cache/internal/fingerprint"
	"github.com/kentik/kentik-image-cache/internal/logging"
	"github.com/kentik/kentik-image-cache/internal/render"
	"github.com/kentik/kentik-image-cache/internal/server"
	"github.com/kentik/kentik-image-cache/internal/service"
	"github.com/kentik/kentik-image-cache/internal/version"
)

// cliOptions collects the parsed CLI flags so tests can inject them.
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run executes the service lifecycle for the parsed CLI options and returns
// the exit code, which keeps the whole flow testable.
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "failed to initialize logging: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_path"] = cfg.CachePath
		fields["api_url"] = cfg.APIURL
		fields["result"] = "ok"
		logger.WithFields(fields).Info("configuration is valid")
		return 0
	}

	store, err := cache.New(cfg.CachePath, cache.Options{
		Logger:       logger,
		PollInterval: cfg.StatusPollInterval.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "failed to initialize cache: %v\n", err)
		return 1
	}

	renderer := render.NewClient(render.ClientOptions{
		APIURL:    cfg.APIURL,
		AuthEmail: cfg.AuthEmail,
		AuthToken: cfg.AuthToken,
		Retries:   cfg.APIRetries,
		Timeout:   cfg.APITimeout.DurationValue(),
		Backoff:   cfg.InitialBackoff.DurationValue(),
		Logger:    logger,
	})

	svc, err := service.New(service.Options{
		Store:        store,
		Codec:        fingerprint.NewCodec(),
		Renderer:     renderer,
		Logger:       logger,
		DefaultTTL:   cfg.DefaultTTL.DurationValue(),
		WaitTimeout:  cfg.EntryWaitTimeout.DurationValue(),
		FetchWorkers: int64(cfg.FetchWorkers),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "failed to build service: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sweep expired entries left over from the previous run, then restart
	// the renders that never finished.
	if _, err := svc.Prune(ctx); err != nil {
		logger.WithField("action", "startup_prune").Warn(err.Error())
	}
	if err := svc.RecoverPending(ctx); err != nil {
		logger.WithField("action", "recover_pending").Warn(err.Error())
	}

	go svc.RunPruner(ctx, cfg.CacheMaintenancePeriod.DurationValue())

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_path"] = cfg.CachePath
	fields["listen_port"] = cfg.ListenPort
	fields["api_url"] = cfg.APIURL
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("configuration loaded")

	if err := startHTTPServer(ctx, cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP server failed: %v\n", err)
		return 1
	}

	svc.Drain()
	return 0
}

// parseCLIFlags parses the CLI arguments and resolves the final config path,
// taking the environment override into account.
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("kentik-image-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "config file path (default ./config.toml, overridable via KENTIK_IMAGE_CACHE_CONFIG)")
	fs.BoolVar(&checkOnly, "check-config", false, "validate the configuration and exit")
	fs.BoolVar(&showVer, "version", false, "print version information")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("failed to parse arguments: %w", err)
	}

	path := os.Getenv("KENTIK_IMAGE_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, svc server.ImageService, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Service:    svc,
		ListenPort: cfg.ListenPort,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.ListenPort))
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.ListenPort,
	}).Info("HTTP server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}
