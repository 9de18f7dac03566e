// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsommer/dndscene/internal/config"
	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/runner"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "scene_config.json", "path to config file (JSON)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenevisd: load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.MainLogFile != "" {
		sink, err := log.NewRotatingSink(cfg.Logging.MainLogFile,
			int64(cfg.Logging.MaxLogSizeMB)<<20, cfg.Logging.BackupCount)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scenevisd: open log file: %v\n", err)
			os.Exit(1)
		}
		defer sink.Close()
		out = io.MultiWriter(os.Stdout, sink)
	}
	if cfg.Logging.ErrorLogFile != "" {
		errSink, err := log.NewRotatingSink(cfg.Logging.ErrorLogFile,
			int64(cfg.Logging.MaxLogSizeMB)<<20, cfg.Logging.BackupCount)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scenevisd: open error log file: %v\n", err)
			os.Exit(1)
		}
		defer errSink.Close()
		out = log.ErrorTee(out, errSink)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Output:  out,
		Service: "scenevis",
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str("config", *configPath).
		Msg("starting scene visualizer daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.New(cfg, version).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("runner failed")
		stop()
		os.Exit(1)
	}
}
