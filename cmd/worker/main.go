// Command worker is the long-running agent of §2: it parses
// configuration, connects to the coordinator's channel, builds the
// concurrency controller, and drives the claim loop until shut down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/attemptengine/worker/internal/channel"
	"github.com/attemptengine/worker/internal/claimloop"
	"github.com/attemptengine/worker/internal/config"
	"github.com/attemptengine/worker/internal/engine"
	"github.com/attemptengine/worker/internal/logging"
	"github.com/attemptengine/worker/internal/server"
)

// Exit codes, per §6.
const (
	exitOK                     = 0
	exitMissingSecret          = 1
	exitCoordinatorUnreachable = 2
	exitEngineInitFailure      = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: load config:", err)
		return exitEngineInitFailure
	}

	if path := configFilePath(os.Args[1:]); path != "" {
		if err := cfg.MergeFile(path); err != nil {
			fmt.Fprintln(os.Stderr, "worker: load config file:", err)
			return exitEngineInitFailure
		}
	}

	bindFlags(&cfg, os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = config.ToContext(ctx, cfg)
	log := logging.New(ctx, cfg, "worker")
	ctx = logging.ToContext(ctx, log)

	if cfg.Secret == "" {
		log.Error("WORKER_SECRET is required")
		return exitMissingSecret
	}

	transport, err := channel.NewNATSTransport(cfg.LightningServiceURL)
	if err != nil {
		log.WithError(err).Error("unable to reach coordinator")
		return exitCoordinatorUnreachable
	}
	defer func() { _ = transport.Close() }()

	// RunnerPath is left empty: engine.NewDefaultCallWorker resolves it
	// to a "runner" binary alongside this process's own executable.
	callWorker := engine.NewDefaultCallWorker(engine.WorkerOptions{
		MaxRunDuration: time.Duration(cfg.MaxRunDurationSecs) * time.Second,
	})

	eng, err := engine.New(cfg.Capacity, transport, callWorker)
	if err != nil {
		log.WithError(err).Error("initialise engine")
		return exitEngineInitFailure
	}
	defer eng.Close()

	loop, err := claimloop.New(cfg, transport, eng, log)
	if err != nil {
		log.WithError(err).Error("initialise claim loop")
		return exitEngineInitFailure
	}

	srv := server.New(cfg.Port, eng, server.CheckerFunc(func() error {
		if ctx.Err() != nil {
			return server.ErrUnhealthy
		}
		return nil
	}))

	loopErrCh := make(chan error, 1)
	go func() { loopErrCh <- loop.Run(ctx) }()

	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-loopErrCh:
		if err != nil {
			log.WithError(err).Error("claim loop exited")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}

	<-loopErrCh
	return exitOK
}

// configFilePath resolves the --config flag (or WORKER_CONFIG_FILE env
// var, used if --config is absent) ahead of the main flag pass, since
// the file it names must be merged before bindFlags applies the rest
// of the CLI overrides (env defaults < file < flags, per §6). Unknown
// flags are tolerated here: the real parse with the full flag set
// happens in bindFlags.
func configFilePath(args []string) string {
	fs := pflag.NewFlagSet("worker-config-prescan", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	path := fs.String("config", os.Getenv("WORKER_CONFIG_FILE"), "path to a YAML config file merged before flags")

	if err := fs.Parse(args); err != nil {
		return os.Getenv("WORKER_CONFIG_FILE")
	}
	return *path
}

// bindFlags registers CLI flags mirroring every §6 configuration field
// and overrides cfg with any flag the caller actually set, per spec.md
// §6's "CLI wins" precedence. Flag parsing itself is an external
// capability per §1; this is just the flag-to-field mapping table
// SPEC_FULL.md §6 commits to. A fresh FlagSet (rather than the global
// pflag.CommandLine) keeps this hermetic to test.
func bindFlags(cfg *config.Configuration, args []string) {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file merged before flags (see configFilePath)")

	port := fs.String("port", cfg.Port, "HTTP listen address")
	lightningURL := fs.String("lightning-service-url", cfg.LightningServiceURL, "coordinator NATS URL")
	repoDir := fs.String("repo-dir", cfg.RepoDir, "adaptor repo directory")
	secret := fs.String("secret", cfg.Secret, "shared worker secret")
	publicKey := fs.String("lightning-public-key", cfg.LightningPublicKey, "coordinator attempt-token public key (PEM)")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level")
	backoff := fs.String("backoff", cfg.Backoff, "claim backoff min/max seconds")
	capacity := fs.Int("capacity", cfg.Capacity, "max concurrent attempts")
	maxMemoryMb := fs.Int("max-run-memory-mb", cfg.MaxRunMemoryMb, "per-attempt memory limit (MB)")
	maxDurationSecs := fs.Int("max-run-duration-seconds", cfg.MaxRunDurationSecs, "per-attempt wall-clock budget (seconds)")
	stateProps := fs.String("state-props-to-remove", cfg.StatePropsToRemove, "comma-separated state keys stripped before upload")

	if err := fs.Parse(args); err != nil {
		return
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "lightning-service-url":
			cfg.LightningServiceURL = *lightningURL
		case "repo-dir":
			cfg.RepoDir = *repoDir
		case "secret":
			cfg.Secret = *secret
		case "lightning-public-key":
			cfg.LightningPublicKey = *publicKey
		case "log-level":
			cfg.LogLevel = *logLevel
		case "backoff":
			cfg.Backoff = *backoff
		case "capacity":
			cfg.Capacity = *capacity
		case "max-run-memory-mb":
			cfg.MaxRunMemoryMb = *maxMemoryMb
		case "max-run-duration-seconds":
			cfg.MaxRunDurationSecs = *maxDurationSecs
		case "state-props-to-remove":
			cfg.StatePropsToRemove = *stateProps
		}
	})
}
