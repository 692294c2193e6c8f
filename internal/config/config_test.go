// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nstream.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  is_live: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Session.StashInitialSizeRaw != 384*1024 {
		t.Errorf("expected stash default 384kb, got %d", cfg.Session.StashInitialSizeRaw)
	}
	if !cfg.Session.StashEnabled() {
		t.Error("expected stash enabled by default")
	}
	if cfg.Session.SeekType != "range" {
		t.Errorf("expected seek_type default range, got %q", cfg.Session.SeekType)
	}
	if cfg.Session.SeekParamStart != "bstart" || cfg.Session.SeekParamEnd != "bend" {
		t.Errorf("expected bstart/bend defaults, got %q/%q",
			cfg.Session.SeekParamStart, cfg.Session.SeekParamEnd)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected logging defaults, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Stats.Interval != time.Minute {
		t.Errorf("expected stats interval default 1m, got %v", cfg.Stats.Interval)
	}
	if cfg.Stats.DiskThresholdPercent != 90 {
		t.Errorf("expected disk threshold default 90, got %v", cfg.Stats.DiskThresholdPercent)
	}
}

func TestLoad_ExplicitStashDisable(t *testing.T) {
	path := writeConfig(t, `
session:
  enable_stash_buffer: false
  stash_initial_size: 1mb
  bandwidth_limit: 2mb
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Session.StashEnabled() {
		t.Error("expected stash disabled")
	}
	if cfg.Session.StashInitialSizeRaw != 1024*1024 {
		t.Errorf("expected 1mb stash, got %d", cfg.Session.StashInitialSizeRaw)
	}
	if cfg.Session.BandwidthLimitRaw != 2*1024*1024 {
		t.Errorf("expected 2mb/s limit, got %d", cfg.Session.BandwidthLimitRaw)
	}
}

func TestLoad_InvalidSeekType(t *testing.T) {
	path := writeConfig(t, `
session:
  seek_type: offset
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "seek_type") {
		t.Fatalf("expected seek_type error, got %v", err)
	}
}

func TestLoad_CaptureValidation(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing url",
			yaml: `
captures:
  - name: cam1
    schedule: "0 3 * * *"
    output_dir: /tmp
`,
			wantErr: "captures[0].url",
		},
		{
			name: "missing schedule",
			yaml: `
captures:
  - name: cam1
    url: https://example.com/live.flv
    output_dir: /tmp
`,
			wantErr: "captures[0].schedule",
		},
		{
			name: "missing output dir",
			yaml: `
captures:
  - name: cam1
    url: https://example.com/live.flv
    schedule: "@hourly"
`,
			wantErr: "captures[0].output_dir",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoad_ValidCapture(t *testing.T) {
	path := writeConfig(t, `
captures:
  - name: vod-mirror
    url: https://example.com/video.flv
    schedule: "30 2 * * *"
    output_dir: /var/lib/nstream
    compress: true
    duration: 1h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Captures) != 1 {
		t.Fatalf("expected 1 capture, got %d", len(cfg.Captures))
	}
	entry := cfg.Captures[0]
	if !entry.Compress || entry.Duration != time.Hour {
		t.Errorf("capture fields not parsed: %+v", entry)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"384kb", 384 * 1024, false},
		{"3MB", 3 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"512b", 512, false},
		{"1024", 1024, false},
		{" 2mb ", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"12xb", 0, true},
	}

	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if cfg.Session.StashInitialSizeRaw != 384*1024 {
		t.Errorf("expected defaults applied, got stash=%d", cfg.Session.StashInitialSizeRaw)
	}
}
