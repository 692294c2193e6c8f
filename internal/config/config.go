// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config representa a configuração completa do n-stream (CLI e daemon).
type Config struct {
	Session       SessionConfig  `yaml:"session"`
	Captures      []CaptureEntry `yaml:"captures"`
	Stats         StatsConfig    `yaml:"stats"`
	Logging       LoggingInfo    `yaml:"logging"`
	SessionLogDir string         `yaml:"session_log_dir"`
}

// SessionConfig contém as opções do IO controller de uma sessão de stream.
type SessionConfig struct {
	StashInitialSize    string `yaml:"stash_initial_size"` // ex: "384kb"
	StashInitialSizeRaw int64  `yaml:"-"`
	EnableStashBuffer   *bool  `yaml:"enable_stash_buffer"` // default true
	IsLive              bool   `yaml:"is_live"`
	SeekType            string `yaml:"seek_type"` // range | param | custom
	RangeLoadZeroStart  bool   `yaml:"range_load_zero_start"`
	SeekParamStart      string `yaml:"seek_param_start"` // default "bstart"
	SeekParamEnd        string `yaml:"seek_param_end"`   // default "bend"
	PreferRanged        bool   `yaml:"prefer_ranged"`
	ReuseRedirectedURL  bool   `yaml:"reuse_redirected_url"`

	ConnectTimeout    time.Duration     `yaml:"connect_timeout"`
	BandwidthLimit    string            `yaml:"bandwidth_limit"` // bytes/s, ex: "2mb"; vazio = sem limite
	BandwidthLimitRaw int64             `yaml:"-"`
	Headers           map[string]string `yaml:"headers"`
	ReferrerPolicy    string            `yaml:"referrer_policy"`
}

// CaptureEntry representa um job de captura agendado do daemon.
type CaptureEntry struct {
	Name      string        `yaml:"name"`
	URL       string        `yaml:"url"`
	Schedule  string        `yaml:"schedule"` // cron expression
	OutputDir string        `yaml:"output_dir"`
	Compress  bool          `yaml:"compress"` // grava .gz (pgzip)
	Duration  time.Duration `yaml:"duration"` // 0 = até o fim do stream
	Filesize  int64         `yaml:"filesize"` // tamanho conhecido; 0 = desconhecido
}

// StatsConfig contém o intervalo do reporter de métricas do daemon e o
// limiar de uso de disco que bloqueia novas capturas.
type StatsConfig struct {
	Interval             time.Duration `yaml:"interval"`               // default 1m
	DiskThresholdPercent float64       `yaml:"disk_threshold_percent"` // default 90
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// StashEnabled resolve o default do enable_stash_buffer (true quando omitido).
func (s *SessionConfig) StashEnabled() bool {
	return s.EnableStashBuffer == nil || *s.EnableStashBuffer
}

// Load lê e valida o arquivo YAML de configuração.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default retorna uma configuração com todos os defaults aplicados, sem
// jobs de captura. Usada pelo CLI quando nenhum arquivo é passado.
func Default() *Config {
	cfg := &Config{}
	// validate aplica os defaults; uma config vazia é válida.
	_ = cfg.validate()
	return cfg
}

func (c *Config) validate() error {
	if err := c.Session.applyDefaults(); err != nil {
		return err
	}

	for i, entry := range c.Captures {
		if entry.Name == "" {
			return fmt.Errorf("captures[%d].name is required", i)
		}
		if entry.URL == "" {
			return fmt.Errorf("captures[%d].url is required", i)
		}
		if entry.Schedule == "" {
			return fmt.Errorf("captures[%d].schedule is required", i)
		}
		if entry.OutputDir == "" {
			return fmt.Errorf("captures[%d].output_dir is required", i)
		}
		if entry.Duration < 0 {
			return fmt.Errorf("captures[%d].duration must not be negative", i)
		}
	}

	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 1 * time.Minute
	}
	if c.Stats.DiskThresholdPercent < 0 || c.Stats.DiskThresholdPercent > 100 {
		return fmt.Errorf("stats.disk_threshold_percent must be between 0 and 100, got %v", c.Stats.DiskThresholdPercent)
	}
	if c.Stats.DiskThresholdPercent == 0 {
		c.Stats.DiskThresholdPercent = 90
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

func (s *SessionConfig) applyDefaults() error {
	if s.StashInitialSize == "" {
		s.StashInitialSize = "384kb"
	}
	parsed, err := ParseByteSize(s.StashInitialSize)
	if err != nil {
		return fmt.Errorf("session.stash_initial_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("session.stash_initial_size must be positive, got %s", s.StashInitialSize)
	}
	s.StashInitialSizeRaw = parsed

	if s.BandwidthLimit != "" {
		limit, err := ParseByteSize(s.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("session.bandwidth_limit: %w", err)
		}
		s.BandwidthLimitRaw = limit
	}

	switch s.SeekType {
	case "":
		s.SeekType = "range"
	case "range", "param", "custom":
	default:
		return fmt.Errorf("session.seek_type must be range, param or custom, got %q", s.SeekType)
	}

	if s.SeekParamStart == "" {
		s.SeekParamStart = "bstart"
	}
	if s.SeekParamEnd == "" {
		s.SeekParamEnd = "bend"
	}
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("session.connect_timeout must not be negative")
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
