// Command dataloggerd runs the TLV data-logging daemon: it binds the
// registered sink named by -o (or the config file's sink.name), starts
// the TCP front-end, and optionally exposes Prometheus metrics.
//
// Usage:
//
//	dataloggerd [-p PORT] [-o NAME[:OPTS]] [-c config.yaml] [-l LEVEL]
//
// Flags:
//
//	-p, --port     TCP listen port (default from config, itself defaulting to 12345)
//	-o, --output   sink name, optionally followed by ":opts" passed to its Open
//	-c, --config   path to a YAML/JSON/TOML config file
//	-l, --loglevel log level: debug, info, warn, error
//	-m, --metrics  expose Prometheus metrics on the configured address
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/loganix/datalogger/internal/config"
	"github.com/loganix/datalogger/internal/frontend"
	"github.com/loganix/datalogger/internal/logging"
	"github.com/loganix/datalogger/internal/metrics"
	"github.com/loganix/datalogger/internal/observer"
	"github.com/loganix/datalogger/internal/sink"
	"github.com/loganix/datalogger/internal/sink/amqpsink"
	"github.com/loganix/datalogger/internal/sink/filesink"
	"github.com/loganix/datalogger/internal/version"
)

// Options is the CLI surface, parsed with go-flags the way the shoveler's
// shoveler-status command does.
type Options struct {
	Port     int    `short:"p" long:"port" description:"TCP listen port"`
	Output   string `short:"o" long:"output" description:"sink name, optionally NAME:OPTS"`
	Config   string `short:"c" long:"config" description:"configuration file to use"`
	LogLevel string `short:"l" long:"loglevel" description:"log level: debug, info, warn, error"`
	Metrics  bool   `short:"m" long:"metrics" description:"expose Prometheus metrics"`
	Version  bool   `short:"V" long:"version" description:"print version and exit"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("dataloggerd v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dataloggerd: loading config:", err)
		os.Exit(1)
	}
	applyOverrides(&cfg, opts)

	logger := logging.New(cfg.LogLevel)
	logging.SetLogger(logger)

	registry := sink.NewRegistry()
	if err := registry.Register("bintxt", filesink.New()); err != nil {
		logger.WithError(err).Fatal("dataloggerd: registering bintxt sink")
	}
	if err := registry.Register("amqp", amqpsink.New()); err != nil {
		logger.WithError(err).Fatal("dataloggerd: registering amqp sink")
	}

	sinkName, sinkOpts := splitSinkSpec(cfg.SinkName, cfg.SinkOpts)
	boundSink, ok := registry.Lookup(sinkName)
	if !ok {
		logger.Fatalf("dataloggerd: unknown sink %q, available: %s", sinkName, strings.Join(registry.Names(), ", "))
	}
	if err := boundSink.Open(sinkOpts); err != nil {
		logger.WithError(err).Fatalf("dataloggerd: opening sink %q", sinkName)
	}
	defer boundSink.Close()

	obs := observer.New()
	srv := frontend.New(cfg.Addr, boundSink, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logger.Infof("dataloggerd: received %s, shutting down", sig)
		cancel()
		srv.Stop()
	}()

	if cfg.MetricsEnable {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.WithError(err).Warn("dataloggerd: metrics server stopped")
			}
		}()
		logger.Infof("dataloggerd: metrics listening on %s", cfg.MetricsAddr)
	}

	logger.Infof("dataloggerd: sink=%s addr=%s", sinkName, cfg.Addr)
	if err := srv.Start(ctx); err != nil {
		logger.WithError(err).Fatal("dataloggerd: front-end stopped")
	}
}

// applyOverrides layers CLI flags over the loaded config; flags win
// wherever they were explicitly set.
func applyOverrides(cfg *config.Config, opts Options) {
	if opts.Port != 0 {
		cfg.Addr = ":" + strconv.Itoa(opts.Port)
	}
	if opts.Output != "" {
		cfg.SinkName, cfg.SinkOpts = splitSinkSpec(opts.Output, "")
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.Metrics {
		cfg.MetricsEnable = true
	}
}

// splitSinkSpec splits a "name:opts" spec into its parts. When spec has
// no colon, fallbackOpts (typically the config file's sink.opts) is used
// verbatim.
func splitSinkSpec(spec, fallbackOpts string) (name, opts string) {
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, fallbackOpts
}
