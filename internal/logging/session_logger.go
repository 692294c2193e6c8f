// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// SessionLog agrupa o logger dedicado de uma sessão de captura com o
// ciclo de vida do seu arquivo. Todo registro já sai anotado com o job e
// o id da sessão, e é duplicado para o log global e para o arquivo.
type SessionLog struct {
	Logger *slog.Logger
	Path   string // vazio quando a sessão não tem arquivo próprio
	file   *os.File
}

// NewSessionLog cria o logger de uma sessão de captura. O arquivo é
// criado em {dir}/{job}/{sessionID}.log, sempre JSON em nível DEBUG para
// captura máxima, independente do nível do logger global. Com dir vazio,
// a sessão usa apenas o logger base (anotado) e não há arquivo.
func NewSessionLog(base *slog.Logger, dir, job, sessionID string) (*SessionLog, error) {
	if dir == "" {
		return &SessionLog{
			Logger: base.With("capture", job, "session_id", sessionID),
		}, nil
	}

	jobDir := filepath.Join(dir, job)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("creating session log directory %s: %w", jobDir, err)
	}

	path := filepath.Join(jobDir, sessionID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening session log file %s: %w", path, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	split := splitHandler{sinks: []slog.Handler{base.Handler(), fileHandler}}

	return &SessionLog{
		Logger: slog.New(split).With("capture", job, "session_id", sessionID),
		Path:   path,
		file:   f,
	}, nil
}

// Close fecha o arquivo da sessão, mantendo-o em disco. Usado quando a
// sessão falha e o log detalhado deve ser retido para diagnóstico.
func (sl *SessionLog) Close() error {
	if sl.file == nil {
		return nil
	}
	return sl.file.Close()
}

// Discard fecha e remove o arquivo da sessão. Usado quando a captura
// terminou bem e só o resumo no log global interessa.
func (sl *SessionLog) Discard() {
	if sl.file == nil {
		return
	}
	sl.file.Close()
	os.Remove(sl.Path)
}

// splitHandler despacha cada registro para todos os sinks que o aceitam
// no nível do registro. A falha de um sink não suprime os demais; o
// primeiro erro observado é retornado.
type splitHandler struct {
	sinks []slog.Handler
}

func (h splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h splitHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, s := range h.sinks {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sinks := make([]slog.Handler, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = s.WithAttrs(attrs)
	}
	return splitHandler{sinks: sinks}
}

func (h splitHandler) WithGroup(name string) slog.Handler {
	sinks := make([]slog.Handler, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = s.WithGroup(name)
	}
	return splitHandler{sinks: sinks}
}
