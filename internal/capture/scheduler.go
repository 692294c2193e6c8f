// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/logging"
	"github.com/robfig/cron/v3"
)

// JobResult armazena o resultado da última captura de um job.
type JobResult struct {
	Status      string    `json:"status"` // "completed", "failed", "skipped"
	DurationS   float64   `json:"duration_s"`
	Bytes       int64     `json:"bytes"`
	Chunks      int64     `json:"chunks"`
	Gaps        int64     `json:"gaps"`
	AverageKBps float64   `json:"average_kbps"`
	Path        string    `json:"path,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Job representa um job de captura agendado com guard de execução.
type Job struct {
	Entry      config.CaptureEntry
	mu         sync.Mutex
	running    bool
	LastResult *JobResult
}

// Running reporta se o job está em execução.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Result retorna o último resultado registrado.
func (j *Job) Result() *JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.LastResult
}

// Scheduler gerencia N cron jobs independentes, um por capture entry.
// Quando um ResourceMonitor está ligado, capturas agendadas são puladas
// enquanto algum filesystem de gravação está acima do limiar.
type Scheduler struct {
	cron          *cron.Cron
	logger        *slog.Logger
	jobs          []*Job
	session       config.SessionConfig
	sessionLogDir string
	monitor       *ResourceMonitor // opcional
}

// NewScheduler cria um Scheduler com um cron job por capture entry.
// monitor pode ser nil (sem gate de disco).
func NewScheduler(cfg *config.Config, monitor *ResourceMonitor, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger:        logger,
		session:       cfg.Session,
		sessionLogDir: cfg.SessionLogDir,
		monitor:       monitor,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	for _, entry := range cfg.Captures {
		job := &Job{Entry: entry}
		s.jobs = append(s.jobs, job)

		// Captura a referência para a closure
		jobRef := job
		if _, err := c.AddFunc(entry.Schedule, func() {
			s.executeJob(jobRef)
		}); err != nil {
			return nil, fmt.Errorf("adding cron job for capture %q: %w", entry.Name, err)
		}

		logger.Info("registered capture job",
			"capture", entry.Name,
			"url", entry.URL,
			"schedule", entry.Schedule,
			"compress", entry.Compress,
		)
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop para o scheduler e aguarda capturas em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Jobs retorna os jobs registrados (para o StatsReporter).
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}

// NextRun retorna o horário e o nome do próximo job agendado, se houver.
func (s *Scheduler) NextRun() (time.Time, string) {
	var nextTime time.Time
	var nextName string
	now := time.Now()

	// Entries() vem ordenado por próxima execução; o EntryID, atribuído
	// sequencialmente a partir de 1 no registro, identifica o job.
	for _, cronEntry := range s.cron.Entries() {
		next := cronEntry.Next
		if next.After(now) && (nextTime.IsZero() || next.Before(nextTime)) {
			nextTime = next
			nextName = ""
			if i := int(cronEntry.ID) - 1; i >= 0 && i < len(s.jobs) {
				nextName = s.jobs[i].Entry.Name
			}
		}
	}
	return nextTime, nextName
}

func (s *Scheduler) executeJob(job *Job) {
	entry := job.Entry
	entryLogger := s.logger.With("capture", entry.Name)

	// Gate de disco: não começa uma gravação fadada a falhar sem espaço
	if s.monitor != nil {
		if dir, over := s.monitor.DiskPressure(); over {
			entryLogger.Error("capture skipped, recording filesystem above threshold", "dir", dir)
			job.mu.Lock()
			job.LastResult = &JobResult{
				Status:    "skipped",
				Timestamp: time.Now(),
			}
			job.mu.Unlock()
			return
		}
	}

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		entryLogger.Warn("capture already running, skipping scheduled execution")
		job.LastResult = &JobResult{
			Status:    "skipped",
			Timestamp: time.Now(),
		}
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	entryLogger.Info("scheduled capture triggered")
	start := time.Now()
	sessionID := start.Format("20060102T150405")

	// Log dedicado da sessão, anotado com o job e o id; retido só em falha
	sessionLog, logErr := logging.NewSessionLog(s.logger, s.sessionLogDir, entry.Name, sessionID)
	if logErr != nil {
		entryLogger.Warn("session log unavailable, using global logger", "error", logErr)
		sessionLog, _ = logging.NewSessionLog(s.logger, "", entry.Name, sessionID)
	}

	outputPath := filepath.Join(entry.OutputDir,
		fmt.Sprintf("%s-%s.flv", entry.Name, sessionID))

	result, err := Run(context.Background(), RunOptions{
		Session:    s.session,
		URL:        entry.URL,
		Filesize:   entry.Filesize,
		OutputPath: outputPath,
		Compress:   entry.Compress,
		Duration:   entry.Duration,
	}, sessionLog.Logger)

	duration := time.Since(start)

	job.mu.Lock()
	defer job.mu.Unlock()

	if err != nil {
		entryLogger.Error("capture failed", "error", err, "duration", duration, "session_log", sessionLog.Path)
		sessionLog.Close()
		job.LastResult = &JobResult{
			Status:    "failed",
			DurationS: duration.Seconds(),
			Timestamp: time.Now(),
		}
		return
	}

	entryLogger.Info("capture completed",
		"duration", duration,
		"bytes", result.Bytes,
		"average_kbps", result.AverageKBps,
		"path", result.Path,
	)
	sessionLog.Discard()
	job.LastResult = &JobResult{
		Status:      "completed",
		DurationS:   duration.Seconds(),
		Bytes:       result.Bytes,
		Chunks:      result.Chunks,
		Gaps:        result.Gaps,
		AverageKBps: result.AverageKBps,
		Path:        result.Path,
		Timestamp:   time.Now(),
	}
}
