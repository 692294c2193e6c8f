// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// monitorInterval é o período de amostragem dos recursos do host.
const monitorInterval = 15 * time.Second

// defaultDiskThreshold é o percentual de uso de disco acima do qual novas
// capturas são bloqueadas.
const defaultDiskThreshold = 90.0

// ResourceStats é uma amostra da pressão de recursos relevante para as
// capturas: CPU/memória/load do host e o uso de cada filesystem onde as
// gravações acumulam.
type ResourceStats struct {
	CPUPercent    float64
	MemoryPercent float64
	Load1         float64
	DiskPercent   map[string]float64 // output dir → percentual usado
}

// ResourceMonitor amostra periodicamente os recursos do host para o
// StatsReporter e serve de gate para o scheduler: quando um filesystem de
// gravação passa do limiar, capturas agendadas são puladas em vez de
// falharem no meio por falta de espaço.
type ResourceMonitor struct {
	outputDirs    []string
	diskThreshold float64
	logger        *slog.Logger

	mu      sync.RWMutex
	current ResourceStats

	close chan struct{}
	wg    sync.WaitGroup
}

// NewResourceMonitor cria um monitor observando os diretórios de saída
// das capturas. diskThreshold <= 0 aplica o default de 90%.
func NewResourceMonitor(outputDirs []string, diskThreshold float64, logger *slog.Logger) *ResourceMonitor {
	if diskThreshold <= 0 {
		diskThreshold = defaultDiskThreshold
	}

	// Dedup: vários jobs podem gravar no mesmo diretório
	seen := make(map[string]bool, len(outputDirs))
	dirs := make([]string, 0, len(outputDirs))
	for _, dir := range outputDirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	return &ResourceMonitor{
		outputDirs:    dirs,
		diskThreshold: diskThreshold,
		logger:        logger.With("component", "resource_monitor"),
		close:         make(chan struct{}),
	}
}

// Start inicia a coleta periódica.
func (rm *ResourceMonitor) Start() {
	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()

		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()

		rm.store(rm.sample())

		for {
			select {
			case <-rm.close:
				return
			case <-ticker.C:
				rm.store(rm.sample())
			}
		}
	}()
}

// Stop encerra o monitor e aguarda a goroutine de coleta.
func (rm *ResourceMonitor) Stop() {
	close(rm.close)
	rm.wg.Wait()
}

// Stats retorna a última amostra coletada.
func (rm *ResourceMonitor) Stats() ResourceStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	stats := rm.current
	stats.DiskPercent = make(map[string]float64, len(rm.current.DiskPercent))
	for dir, pct := range rm.current.DiskPercent {
		stats.DiskPercent[dir] = pct
	}
	return stats
}

// DiskPressure reporta o primeiro diretório de captura cujo filesystem
// passou do limiar, se houver.
func (rm *ResourceMonitor) DiskPressure() (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for _, dir := range rm.outputDirs {
		if pct, ok := rm.current.DiskPercent[dir]; ok && pct >= rm.diskThreshold {
			return dir, true
		}
	}
	return "", false
}

func (rm *ResourceMonitor) store(stats ResourceStats) {
	rm.mu.Lock()
	rm.current = stats
	rm.mu.Unlock()
}

// sample coleta uma amostra completa. Falhas individuais deixam o campo
// zerado e seguem adiante: o monitor nunca derruba o daemon.
func (rm *ResourceMonitor) sample() ResourceStats {
	stats := ResourceStats{
		DiskPercent: make(map[string]float64, len(rm.outputDirs)),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else {
		rm.logger.Debug("cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	} else {
		rm.logger.Debug("memory sample failed", "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		stats.Load1 = avg.Load1
	} else {
		rm.logger.Debug("load sample failed", "error", err)
	}

	for _, dir := range rm.outputDirs {
		usage, err := disk.Usage(dir)
		if err != nil {
			rm.logger.Debug("disk sample failed", "dir", dir, "error", err)
			continue
		}
		stats.DiskPercent[dir] = usage.UsedPercent
		if usage.UsedPercent >= rm.diskThreshold {
			rm.logger.Warn("capture filesystem above threshold",
				"dir", dir,
				"used_percent", usage.UsedPercent,
				"threshold", rm.diskThreshold,
			)
		}
	}

	return stats
}
