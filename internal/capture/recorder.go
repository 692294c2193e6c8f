// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package capture

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/pgzip"
)

// RecordResult contém o resultado de uma sessão de captura.
type RecordResult struct {
	Path        string
	Bytes       int64
	Chunks      int64
	Gaps        int64
	Duration    time.Duration
	AverageKBps float64
}

// Recorder é o consumidor canônico do controller: grava os chunks
// despachados em um arquivo, conferindo a continuidade de offsets do
// contrato de entrega. Com compressão, o arquivo passa por pgzip.
type Recorder struct {
	path   string
	f      *os.File
	w      io.Writer
	gz     *pgzip.Writer
	logger *slog.Logger

	bytesWritten int64
	chunks       int64
	gaps         int64
	expectedNext int64 // offset absoluto devido; -1 antes do primeiro chunk
	startedAt    time.Time
	writeErr     error
}

// NewRecorder cria um Recorder gravando em path. Com compress, o conteúdo
// é comprimido com gzip paralelo e a extensão .gz é anexada.
func NewRecorder(path string, compress bool, logger *slog.Logger) (*Recorder, error) {
	if compress {
		path += ".gz"
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating capture file %s: %w", path, err)
	}

	r := &Recorder{
		path:         path,
		f:            f,
		w:            f,
		logger:       logger.With("component", "recorder"),
		expectedNext: -1,
		startedAt:    time.Now(),
	}
	if compress {
		r.gz = pgzip.NewWriter(f)
		r.w = r.gz
	}
	return r, nil
}

// OnChunk implementa o contrato do consumidor: recebe um chunk no offset
// absoluto byteStart e retorna quantos bytes aceitou. Descontinuidades
// são contadas e logadas; falha de escrita torna o recorder indisponível
// (passa a aceitar 0 bytes, retendo os dados no stash do controller).
func (r *Recorder) OnChunk(chunk []byte, byteStart int64) int64 {
	if r.writeErr != nil {
		return 0
	}

	if r.expectedNext != -1 && byteStart != r.expectedNext {
		r.gaps++
		r.logger.Error("byte continuity violated",
			"expected", r.expectedNext,
			"got", byteStart,
		)
	}

	n, err := r.w.Write(chunk)
	r.bytesWritten += int64(n)
	r.chunks++
	r.expectedNext = byteStart + int64(n)

	if err != nil {
		r.writeErr = err
		r.logger.Error("capture write failed", "path", r.path, "error", err)
	}
	return int64(n)
}

// Close descarrega os writers e fecha o arquivo.
func (r *Recorder) Close() error {
	if r.gz != nil {
		if err := r.gz.Close(); err != nil {
			r.f.Close()
			return fmt.Errorf("closing gzip writer: %w", err)
		}
	}
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("closing capture file: %w", err)
	}
	return r.writeErr
}

// Result retorna as métricas acumuladas da sessão.
func (r *Recorder) Result() RecordResult {
	elapsed := time.Since(r.startedAt)
	var avg float64
	if secs := elapsed.Seconds(); secs > 0 {
		avg = float64(r.bytesWritten) / secs / 1024
	}
	return RecordResult{
		Path:        r.path,
		Bytes:       r.bytesWritten,
		Chunks:      r.chunks,
		Gaps:        r.gaps,
		Duration:    elapsed,
		AverageKBps: avg,
	}
}
