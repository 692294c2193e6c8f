// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/controller"
	"github.com/nishisan-dev/n-stream/internal/loader"
)

// RunOptions parametriza uma sessão de captura.
type RunOptions struct {
	Session    config.SessionConfig
	URL        string
	Filesize   int64 // tamanho conhecido; 0 = desconhecido
	From       int64 // offset inicial
	OutputPath string
	Compress   bool
	Duration   time.Duration // 0 = até o fim do stream
}

// Run executa uma sessão completa: monta o controller, liga o recorder
// como consumidor e bloqueia até o fim do stream, erro, timeout de
// duração ou cancelamento do contexto.
func Run(ctx context.Context, opts RunOptions, logger *slog.Logger) (*RecordResult, error) {
	rec, err := NewRecorder(opts.OutputPath, opts.Compress, logger)
	if err != nil {
		return nil, err
	}

	ctrl, err := controller.NewController(
		ControllerConfig(opts.Session, logger),
		&loader.DataSource{
			URL:            opts.URL,
			Filesize:       opts.Filesize,
			ReferrerPolicy: opts.Session.ReferrerPolicy,
		},
		nil,
	)
	if err != nil {
		rec.Close()
		return nil, err
	}

	done := make(chan error, 1)
	finish := func(err error) {
		// Só o primeiro evento terminal conta; nunca bloqueia o controller.
		select {
		case done <- err:
		default:
		}
	}

	ctrl.BindDataArrival(rec.OnChunk)
	ctrl.BindComplete(func(any) {
		finish(nil)
	})
	ctrl.BindError(func(kind loader.ErrorKind, info loader.ErrorInfo) {
		finish(fmt.Errorf("stream error %s: [%d] %s", kind, info.Code, info.Msg))
	})
	ctrl.BindRedirect(func(url string) {
		logger.Info("stream redirected", "url", url)
	})
	ctrl.BindRecoveredEarlyEOF(func() {
		logger.Info("recovered from early eof")
	})

	if err := ctrl.Open(opts.From); err != nil {
		ctrl.Destroy()
		rec.Close()
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	var timeout <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	var runErr error
	select {
	case runErr = <-done:
	case <-timeout:
		// Fim de captura por duração: encerramento voluntário, não erro.
		logger.Info("capture duration reached, closing", "duration", opts.Duration)
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	ctrl.Destroy()
	if closeErr := rec.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}

	result := rec.Result()
	return &result, runErr
}

// ControllerConfig traduz a configuração de sessão (yaml) para a config
// programática do controller.
func ControllerConfig(s config.SessionConfig, logger *slog.Logger) controller.Config {
	cfg := controller.DefaultConfig()
	cfg.StashInitialSize = s.StashInitialSizeRaw
	cfg.EnableStashBuffer = s.StashEnabled()
	cfg.IsLive = s.IsLive
	cfg.SeekType = s.SeekType
	cfg.RangeLoadZeroStart = s.RangeLoadZeroStart
	cfg.SeekParamStart = s.SeekParamStart
	cfg.SeekParamEnd = s.SeekParamEnd
	cfg.PreferRanged = s.PreferRanged
	cfg.ReuseRedirectedURL = s.ReuseRedirectedURL
	cfg.ConnectTimeout = s.ConnectTimeout
	cfg.BandwidthLimit = s.BandwidthLimitRaw
	cfg.Headers = s.Headers
	cfg.ReferrerPolicy = s.ReferrerPolicy
	cfg.Logger = logger
	return cfg
}
