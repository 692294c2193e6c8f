// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package capture

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_WritesContiguousChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.flv")
	rec, err := NewRecorder(path, false, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	if got := rec.OnChunk([]byte("hello"), 0); got != 5 {
		t.Errorf("consumed = %d, want 5", got)
	}
	if got := rec.OnChunk([]byte(" world"), 5); got != 6 {
		t.Errorf("consumed = %d, want 6", got)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("output = %q, want 'hello world'", data)
	}

	result := rec.Result()
	if result.Bytes != 11 || result.Chunks != 2 || result.Gaps != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRecorder_CountsDiscontinuities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.flv")
	rec, err := NewRecorder(path, false, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()

	rec.OnChunk([]byte("aaaa"), 0)
	rec.OnChunk([]byte("bbbb"), 100) // gap

	if result := rec.Result(); result.Gaps != 1 {
		t.Errorf("gaps = %d, want 1", result.Gaps)
	}
}

func TestRecorder_CompressedOutput(t *testing.T) {
	payload := bytes.Repeat([]byte("stream-data-"), 10000)

	path := filepath.Join(t.TempDir(), "out.flv")
	rec, err := NewRecorder(path, true, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.OnChunk(payload, 0)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if rec.Result().Path != path+".gz" {
		t.Errorf("expected .gz suffix, got %q", rec.Result().Path)
	}

	f, err := os.Open(path + ".gz")
	if err != nil {
		t.Fatalf("opening compressed output: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("opening gzip stream: %v", err)
	}
	decoded, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("decompressed output mismatch: got %d bytes, want %d", len(decoded), len(payload))
	}
}
