// Package resources allocates concurrent range-request "threads" across
// running tasks for the Task Manager (C5) and tracks per-task throughput
// for the HTTP Executor's (C3) low-speed detection window.
//
// Grounded on the teacher's internal/resources/manager.go thread-pool
// allocator, retargeted from S3/Azure multipart-upload part counts to
// concurrent range requests per task, scaled by resource size; rss_level
// does not affect the pool.
package resources

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/constants"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// Manager allocates a shared pool of concurrent range-request slots
// across running tasks.
type Manager struct {
	totalThreads     int
	availableThreads int
	baselineThreads  int
	memoryLimit      int
	autoScale        bool
	aggressiveMode   bool
	aggressiveThreshold int64
	allocations      map[types.TaskId]int
	mu               sync.Mutex
	monitor          *ThroughputMonitor
}

// Config holds configuration for the resource manager.
type Config struct {
	MaxThreads          int
	AutoScale           bool
	AggressiveMode      bool
	AggressiveThreshold int64
}

// NewManager creates a new resource manager.
func NewManager(config Config) *Manager {
	cores := runtime.NumCPU()
	baselineThreads := cores * 2
	if baselineThreads > constants.MaxBaselineThreads {
		baselineThreads = constants.MaxBaselineThreads
	}

	availableMemory := getAvailableMemory()
	memoryThreads := int(availableMemory / (128 * 1024 * 1024))

	totalThreads := baselineThreads
	if memoryThreads < totalThreads {
		totalThreads = memoryThreads
	}
	if totalThreads > constants.AbsoluteMaxThreads {
		totalThreads = constants.AbsoluteMaxThreads
	}
	if totalThreads < constants.MinThreadsPerFile {
		totalThreads = constants.MinThreadsPerFile
	}

	if config.MaxThreads > 0 {
		totalThreads = config.MaxThreads
		if totalThreads > constants.AbsoluteMaxThreads {
			totalThreads = constants.AbsoluteMaxThreads
		}
		if totalThreads < constants.MinThreadsPerFile {
			totalThreads = constants.MinThreadsPerFile
		}
	}

	aggressiveMode := config.AggressiveMode
	aggressiveThreshold := config.AggressiveThreshold
	if aggressiveThreshold == 0 {
		aggressiveThreshold = constants.SmallFileThreshold
	}
	if !config.AggressiveMode && config.AggressiveThreshold == 0 {
		aggressiveMode = true
	}

	return &Manager{
		totalThreads:        totalThreads,
		availableThreads:    totalThreads,
		baselineThreads:     baselineThreads,
		memoryLimit:         memoryThreads,
		autoScale:           config.AutoScale,
		aggressiveMode:      aggressiveMode,
		aggressiveThreshold: aggressiveThreshold,
		allocations:         make(map[types.TaskId]int),
		monitor:             NewThroughputMonitor(),
	}
}

// SetCap updates the pool size at runtime. No component in the module
// calls it; the pool keeps the size NewManager chose.
func (m *Manager) SetCap(totalThreads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := totalThreads - m.totalThreads
	m.totalThreads = totalThreads
	m.availableThreads += delta
	if m.availableThreads < 0 {
		m.availableThreads = 0
	}
}

// AllocateForTask allocates concurrent range-request slots for one task.
func (m *Manager) AllocateForTask(id types.TaskId, resourceSize int64, concurrentTasks int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := m.calculateDesiredThreads(resourceSize, concurrentTasks)

	allocated := desired
	if allocated > m.availableThreads {
		allocated = m.availableThreads
	}
	if allocated < constants.MinThreadsPerFile {
		allocated = constants.MinThreadsPerFile
	}

	m.availableThreads -= allocated
	m.allocations[id] = allocated

	return allocated
}

// ReleaseTask releases the slots allocated to a task.
func (m *Manager) ReleaseTask(id types.TaskId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if allocated, exists := m.allocations[id]; exists {
		m.availableThreads += allocated
		delete(m.allocations, id)
	}
	m.monitor.Cleanup(id)
}

// GetAvailableThreads returns the current number of available slots.
func (m *Manager) GetAvailableThreads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableThreads
}

// GetTotalThreads returns the total pool size.
func (m *Manager) GetTotalThreads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalThreads
}

// Stats reports current resource manager statistics.
type Stats struct {
	TotalThreads     int
	AvailableThreads int
	ActiveThreads    int
	ActiveTasks      int
	BaselineThreads  int
	MemoryLimit      int
	AutoScaleEnabled bool
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		TotalThreads:     m.totalThreads,
		AvailableThreads: m.availableThreads,
		ActiveThreads:    m.totalThreads - m.availableThreads,
		ActiveTasks:      len(m.allocations),
		BaselineThreads:  m.baselineThreads,
		MemoryLimit:      m.memoryLimit,
		AutoScaleEnabled: m.autoScale,
	}
}

// calculateDesiredThreads determines how many concurrent range-requests a
// task of the given resource size should get. Must be called with the
// lock held.
func (m *Manager) calculateDesiredThreads(resourceSize int64, concurrentTasks int) int {
	cpuCores := runtime.NumCPU()

	if resourceSize < constants.SmallFileThreshold {
		return constants.MinThreadsPerFile
	}

	if !m.autoScale {
		if resourceSize < constants.MediumFileThreshold {
			return constants.ThreadsForSmallFiles
		}
		if resourceSize < constants.LargeFile1GB {
			return constants.ThreadsForMediumFiles
		}
		return constants.ThreadsForLargeFiles
	}

	poolShare := m.totalThreads
	if concurrentTasks > 1 {
		poolShare = m.totalThreads / concurrentTasks
		if poolShare < constants.MinThreadsPerFile {
			poolShare = constants.MinThreadsPerFile
		}
	}

	desired := constants.MinThreadsPerFile
	switch {
	case resourceSize >= constants.LargeFile10GB:
		desired = constants.ThreadsFor10GBPlus
	case resourceSize >= constants.LargeFile5GB:
		desired = constants.ThreadsFor5GBto10GB
	case resourceSize >= constants.LargeFile1GB:
		desired = constants.ThreadsFor1GBto5GB
	case resourceSize >= constants.MediumFileThreshold:
		desired = constants.ThreadsFor500MBto1GB
	}

	if m.aggressiveMode && resourceSize >= m.aggressiveThreshold {
		switch {
		case resourceSize >= constants.LargeFile10GB:
			desired = desired * 2
		case resourceSize >= constants.LargeFile5GB:
			desired = desired * 7 / 4
		case resourceSize >= constants.LargeFile1GB:
			desired = desired * 3 / 2
		}
	}

	if desired > poolShare {
		desired = poolShare
	}
	if desired > constants.MaxThreadsPerFile {
		desired = constants.MaxThreadsPerFile
	}
	if desired > cpuCores {
		desired = cpuCores
	}

	return desired
}

// RecordThroughput records a throughput sample for a running task.
func (m *Manager) RecordThroughput(id types.TaskId, bytesPerSecond float64) {
	m.monitor.Record(id, bytesPerSecond)
}

// ShouldScaleUp reports whether a task's range-request concurrency
// should increase based on observed throughput stability.
func (m *Manager) ShouldScaleUp(id types.TaskId) bool {
	if !m.autoScale {
		return false
	}
	return m.monitor.ShouldScaleUp(id)
}

// ShouldScaleDown reports whether concurrency should decrease.
func (m *Manager) ShouldScaleDown(id types.TaskId) bool {
	if !m.autoScale {
		return false
	}
	return m.monitor.ShouldScaleDown(id)
}

func (m *Manager) String() string {
	stats := m.GetStats()
	return fmt.Sprintf("ResourceManager[total=%d available=%d active=%d tasks=%d autoscale=%v]",
		stats.TotalThreads, stats.AvailableThreads, stats.ActiveThreads,
		stats.ActiveTasks, stats.AutoScaleEnabled)
}

// ThroughputMonitor tracks per-task throughput samples and backs the
// Executor's low-speed detection window (spec.md §4.3).
type ThroughputMonitor struct {
	mu      sync.Mutex
	samples map[types.TaskId][]Sample
}

// Sample is a single throughput measurement.
type Sample struct {
	Timestamp   time.Time
	BytesPerSec float64
}

func NewThroughputMonitor() *ThroughputMonitor {
	return &ThroughputMonitor{samples: make(map[types.TaskId][]Sample)}
}

// Record appends a throughput sample, keeping only the most recent
// constants.MaxThroughputSamples.
func (tm *ThroughputMonitor) Record(id types.TaskId, bytesPerSecond float64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	samples := tm.samples[id]
	samples = append(samples, Sample{Timestamp: time.Now(), BytesPerSec: bytesPerSecond})
	if len(samples) > constants.MaxThroughputSamples {
		samples = samples[len(samples)-constants.MaxThroughputSamples:]
	}
	tm.samples[id] = samples
}

// LowSpeed reports whether the task's recent average throughput has
// stayed below thresholdBytesPerSec for the full sample window — the
// Executor's trigger for classifying a stall (spec.md §4.3).
func (tm *ThroughputMonitor) LowSpeed(id types.TaskId, thresholdBytesPerSec float64, minSamples int) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	samples := tm.samples[id]
	if len(samples) < minSamples {
		return false
	}
	for _, s := range samples {
		if s.BytesPerSec >= thresholdBytesPerSec {
			return false
		}
	}
	return true
}

func (tm *ThroughputMonitor) ShouldScaleUp(id types.TaskId) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	samples := tm.samples[id]
	if len(samples) < 3 {
		return false
	}

	avg := tm.calculateAverage(samples)
	variance := tm.calculateVariance(samples, avg)

	avgMBps := avg / (1024 * 1024)
	varianceMBps := variance / (1024 * 1024)

	return avgMBps > constants.MinScaleUpThroughputMBps && varianceMBps < constants.MaxScaleUpVarianceMBps
}

func (tm *ThroughputMonitor) ShouldScaleDown(id types.TaskId) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	samples := tm.samples[id]
	if len(samples) < 6 {
		return false
	}

	recent := samples[len(samples)-3:]
	older := samples[len(samples)-6 : len(samples)-3]

	recentAvg := tm.calculateAverage(recent)
	olderAvg := tm.calculateAverage(older)

	return recentAvg < olderAvg*constants.ScaleDownThresholdPercent
}

func (tm *ThroughputMonitor) calculateAverage(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.BytesPerSec
	}
	return sum / float64(len(samples))
}

func (tm *ThroughputMonitor) calculateVariance(samples []Sample, avg float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		diff := s.BytesPerSec - avg
		sumSquares += diff * diff
	}
	return sumSquares / float64(len(samples))
}

// Cleanup removes samples for a task that finished or was removed.
func (tm *ThroughputMonitor) Cleanup(id types.TaskId) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.samples, id)
}
