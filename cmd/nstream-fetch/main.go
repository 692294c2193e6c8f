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
	"path"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-stream/internal/capture"
	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	streamURL := flag.String("url", "", "stream url (http/https/ws/wss/s3)")
	output := flag.String("o", "", "output file (default: basename of the url)")
	from := flag.Int64("from", 0, "start offset in bytes")
	compress := flag.Bool("gzip", false, "compress output with gzip")
	duration := flag.Duration("duration", 0, "stop after this duration (0 = until end of stream)")
	filesize := flag.Int64("filesize", 0, "known total size in bytes (0 = unknown)")
	flag.Parse()

	if *streamURL == "" {
		fmt.Fprintln(os.Stderr, "Usage: nstream-fetch -url <stream-url> [-o file] [-from n] [-gzip]")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	outputPath := *output
	if outputPath == "" {
		outputPath = path.Base(*streamURL)
		if outputPath == "/" || outputPath == "." {
			outputPath = "stream.bin"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := capture.Run(ctx, capture.RunOptions{
		Session:    cfg.Session,
		URL:        *streamURL,
		Filesize:   *filesize,
		From:       *from,
		OutputPath: outputPath,
		Compress:   *compress,
		Duration:   *duration,
	}, logger)
	if err != nil {
		logger.Error("fetch failed", "url", *streamURL, "error", err)
		os.Exit(1)
	}

	logger.Info("fetch completed",
		"url", *streamURL,
		"path", result.Path,
		"bytes", result.Bytes,
		"chunks", result.Chunks,
		"average_kbps", result.AverageKBps,
		"duration", time.Since(start),
	)
}
