// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-stream/internal/capture"
	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/logging"
)

// shutdownTimeout é o tempo máximo de espera por capturas em andamento.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "/etc/nstream/nstream.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if len(cfg.Captures) == 0 {
		logger.Error("no capture jobs configured, nothing to do")
		os.Exit(1)
	}

	// Monitora os filesystems onde as capturas acumulam; o scheduler pula
	// jobs enquanto algum deles está acima do limiar
	outputDirs := make([]string, 0, len(cfg.Captures))
	for _, entry := range cfg.Captures {
		outputDirs = append(outputDirs, entry.OutputDir)
	}
	monitor := capture.NewResourceMonitor(outputDirs, cfg.Stats.DiskThresholdPercent, logger)
	monitor.Start()

	scheduler, err := capture.NewScheduler(cfg, monitor, logger)
	if err != nil {
		logger.Error("scheduler setup failed", "error", err)
		os.Exit(1)
	}

	reporter := capture.NewStatsReporter(scheduler, monitor, cfg.Stats.Interval, logger)
	reporter.Start()

	scheduler.Start()
	logger.Info("nstream daemon started", "captures", len(cfg.Captures))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	scheduler.Stop(stopCtx)

	reporter.Stop()
	monitor.Stop()
	logger.Info("nstream daemon stopped")
}
