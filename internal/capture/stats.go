// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// jobSnapshot captura o estado de um job para o log estruturado.
type jobSnapshot struct {
	Name        string  `json:"name"`
	Schedule    string  `json:"schedule"`
	Status      string  `json:"status"`
	LastStatus  string  `json:"last_status,omitempty"`
	LastBytes   int64   `json:"last_bytes,omitempty"`
	LastGaps    int64   `json:"last_gaps,omitempty"`
	LastKBps    float64 `json:"last_kbps,omitempty"`
	LastAt      string  `json:"last_at,omitempty"`
	LastPath    string  `json:"last_path,omitempty"`
	LastSeconds float64 `json:"last_duration_s,omitempty"`
}

// StatsReporter emite métricas periódicas do daemon no log: estado dos
// jobs de captura e a pressão de recursos do ResourceMonitor.
type StatsReporter struct {
	scheduler *Scheduler
	monitor   *ResourceMonitor
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter com o intervalo configurado.
func NewStatsReporter(scheduler *Scheduler, monitor *ResourceMonitor, interval time.Duration, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		scheduler: scheduler,
		monitor:   monitor,
		interval:  interval,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	jobs := sr.scheduler.Jobs()
	uptime := time.Since(sr.startTime).Seconds()

	var runningCount int
	snapshots := make([]jobSnapshot, 0, len(jobs))

	for _, job := range jobs {
		snap := jobSnapshot{
			Name:     job.Entry.Name,
			Schedule: job.Entry.Schedule,
			Status:   "idle",
		}

		if job.Running() {
			runningCount++
			snap.Status = "running"
		}

		if last := job.Result(); last != nil {
			snap.LastStatus = last.Status
			snap.LastBytes = last.Bytes
			snap.LastGaps = last.Gaps
			snap.LastKBps = last.AverageKBps
			snap.LastSeconds = last.DurationS
			snap.LastPath = last.Path
			snap.LastAt = last.Timestamp.Format(time.RFC3339)
		}

		snapshots = append(snapshots, snap)
	}

	// Serializa jobs como JSON para log estruturado
	jobsJSON, _ := json.Marshal(snapshots)

	attrs := []any{
		"uptime_seconds", int64(uptime),
		"jobs_total", len(jobs),
		"jobs_running", runningCount,
	}

	if nextTime, nextName := sr.scheduler.NextRun(); !nextTime.IsZero() {
		attrs = append(attrs,
			"next_scheduled_name", nextName,
			"next_scheduled_at", nextTime.Format(time.RFC3339),
		)
	}

	sys := sr.monitor.Stats()
	disksJSON, _ := json.Marshal(sys.DiskPercent)
	attrs = append(attrs,
		"cpu_percent", sys.CPUPercent,
		"memory_percent", sys.MemoryPercent,
		"load_avg", sys.Load1,
		"disks", json.RawMessage(disksJSON),
	)
	if dir, over := sr.monitor.DiskPressure(); over {
		attrs = append(attrs, "disk_pressure_dir", dir)
	}

	attrs = append(attrs, "jobs", json.RawMessage(jobsJSON))

	sr.logger.Info("daemon stats", attrs...)
}
