// Package main runs the noise monitoring node: it captures microphone audio,
// classifies each window with an Edge Impulse model, reads the analog sound
// level meter, drives the indicator LEDs and reports every decision.
//
// Usage:
//
//	noisemonitor [-config path/to/config.json] [-listdevices] [-version]
//
// If -config is not specified, the monitor looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	listDevices := flag.Bool("listdevices", false, "List audio capture devices and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *listDevices {
		for _, d := range audio.Devices() {
			fmt.Printf("%s\t%s\n", d.ID, d.Name)
		}
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), config.DefaultConfigFileName)
	}

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	settings := cfg.Snapshot()

	logger := newLogger(settings.Debug)
	slog.SetDefault(logger)
	logger.Info("using config file", "path", cfg.Path(), "version", Version)

	if err := run(settings, logger); err != nil {
		logger.Error("noise monitor failed", "error", err)
		os.Exit(1)
	}
}

// newLogger returns the process logger at debug or info level.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// run starts the pipeline and blocks until a shutdown signal arrives.
func run(settings config.Settings, logger *slog.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := openPipeline(startCtx, settings, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.start(); err != nil {
		return util.WrapError("start monitor", err)
	}

	var version *ReleaseWatcher
	if !settings.DisableVersionCheck {
		version = NewReleaseWatcher(logger)
		version.Start(context.Background())
		defer version.Stop()
	}

	var srv *Server
	stopServer := func() {}
	if settings.Status.ListenAddr != "" {
		srv = NewServer(settings, p.monitor, version, logger)
		httpServer := srv.Start()
		stopServer = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", "error", err)
			}
			srv.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	defer signal.Stop(sigChan)
	sig := <-sigChan

	logger.Info("shutting down", "signal", sig.String())
	stopServer()

	if err := p.monitor.Stop(); err != nil {
		logger.Error("error stopping monitor", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
