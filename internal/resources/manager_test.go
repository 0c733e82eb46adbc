package resources

import (
	"runtime"
	"testing"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name          string
		config        Config
		expectMinimum int
		expectMaximum int
	}{
		{
			name:          "Auto-detect with auto-scale",
			config:        Config{MaxThreads: 0, AutoScale: true},
			expectMinimum: 1,
			expectMaximum: 32,
		},
		{
			name:          "User-specified threads",
			config:        Config{MaxThreads: 8, AutoScale: true},
			expectMinimum: 8,
			expectMaximum: 8,
		},
		{
			name:          "Single thread",
			config:        Config{MaxThreads: 1, AutoScale: false},
			expectMinimum: 1,
			expectMaximum: 1,
		},
		{
			name:          "Cap at maximum",
			config:        Config{MaxThreads: 100, AutoScale: true},
			expectMinimum: 32,
			expectMaximum: 32,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(tt.config)
			if mgr == nil {
				t.Fatal("NewManager returned nil")
			}

			totalThreads := mgr.GetTotalThreads()
			if totalThreads < tt.expectMinimum || totalThreads > tt.expectMaximum {
				t.Errorf("Expected threads between %d and %d, got %d",
					tt.expectMinimum, tt.expectMaximum, totalThreads)
			}

			if mgr.GetAvailableThreads() != totalThreads {
				t.Errorf("Expected available threads to equal total threads initially")
			}
		})
	}
}

func TestAllocateAndRelease(t *testing.T) {
	mgr := NewManager(Config{MaxThreads: 10, AutoScale: false})

	allocated := mgr.AllocateForTask(types.TaskId(1), 1024*1024*1024, 1) // 1GB
	if allocated < 1 {
		t.Errorf("Expected at least 1 thread allocated, got %d", allocated)
	}
	if allocated > 10 {
		t.Errorf("Expected at most 10 threads allocated, got %d", allocated)
	}

	initialAvailable := mgr.GetAvailableThreads()
	if initialAvailable != 10-allocated {
		t.Errorf("Expected %d available threads, got %d", 10-allocated, initialAvailable)
	}

	mgr.ReleaseTask(types.TaskId(1))
	finalAvailable := mgr.GetAvailableThreads()
	if finalAvailable != 10 {
		t.Errorf("Expected all threads released (10), got %d", finalAvailable)
	}
}

func TestMultipleAllocations(t *testing.T) {
	mgr := NewManager(Config{MaxThreads: 15, AutoScale: false})

	allocated1 := mgr.AllocateForTask(types.TaskId(1), 500*1024*1024, 3)
	allocated2 := mgr.AllocateForTask(types.TaskId(2), 2*1024*1024*1024, 3)
	allocated3 := mgr.AllocateForTask(types.TaskId(3), 100*1024*1024, 3)

	total := allocated1 + allocated2 + allocated3
	if total > 15 {
		t.Errorf("Total allocated (%d) exceeds pool size (15)", total)
	}

	available := mgr.GetAvailableThreads()
	if available != 15-total {
		t.Errorf("Expected %d available, got %d", 15-total, available)
	}

	mgr.ReleaseTask(types.TaskId(2))
	newAvailable := mgr.GetAvailableThreads()
	if newAvailable != available+allocated2 {
		t.Errorf("Expected %d available after release, got %d",
			available+allocated2, newAvailable)
	}
}

func TestResourceSizeAllocation(t *testing.T) {
	tests := []struct {
		name         string
		resourceSize int64
		concurrent   int
		expectMin    int
		expectMax    int
	}{
		{
			name:         "Small resource (<100MB)",
			resourceSize: 50 * 1024 * 1024,
			concurrent:   1,
			expectMin:    1,
			expectMax:    1,
		},
		{
			name:         "Medium resource (500MB)",
			resourceSize: 500 * 1024 * 1024,
			concurrent:   1,
			expectMin:    1,
			expectMax:    5,
		},
		{
			name:         "Large resource (5GB)",
			resourceSize: 5 * 1024 * 1024 * 1024,
			concurrent:   1,
			expectMin:    8,
			expectMax:    16,
		},
		{
			name:         "Multiple tasks share pool",
			resourceSize: 1 * 1024 * 1024 * 1024,
			concurrent:   5,
			expectMin:    1,
			expectMax:    5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(Config{MaxThreads: 16, AutoScale: true})

			allocated := mgr.AllocateForTask(types.TaskId(1), tt.resourceSize, tt.concurrent)
			if allocated < tt.expectMin || allocated > tt.expectMax {
				t.Errorf("Expected threads between %d and %d, got %d",
					tt.expectMin, tt.expectMax, allocated)
			}
			mgr.ReleaseTask(types.TaskId(1))
		})
	}
}

func TestGetStats(t *testing.T) {
	mgr := NewManager(Config{MaxThreads: 12, AutoScale: true})

	stats := mgr.GetStats()
	if stats.TotalThreads != 12 {
		t.Errorf("Expected total threads 12, got %d", stats.TotalThreads)
	}
	if stats.AvailableThreads != 12 {
		t.Errorf("Expected available threads 12, got %d", stats.AvailableThreads)
	}
	if stats.ActiveThreads != 0 {
		t.Errorf("Expected active threads 0, got %d", stats.ActiveThreads)
	}
	if stats.ActiveTasks != 0 {
		t.Errorf("Expected active tasks 0, got %d", stats.ActiveTasks)
	}

	mgr.AllocateForTask(types.TaskId(1), 1024*1024*1024, 1)
	mgr.AllocateForTask(types.TaskId(2), 500*1024*1024, 1)

	stats = mgr.GetStats()
	if stats.ActiveTasks != 2 {
		t.Errorf("Expected 2 active tasks, got %d", stats.ActiveTasks)
	}
	if stats.ActiveThreads == 0 {
		t.Errorf("Expected some active threads, got 0")
	}
	if stats.ActiveThreads+stats.AvailableThreads != stats.TotalThreads {
		t.Errorf("Active + Available should equal Total")
	}
}

func TestConcurrentAccess(t *testing.T) {
	mgr := NewManager(Config{MaxThreads: 20, AutoScale: true})

	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(id int) {
			defer func() { done <- true }()

			taskID := types.TaskId(id + 1)

			threads := mgr.AllocateForTask(taskID, 1024*1024*1024, 10)
			if threads < 1 {
				t.Errorf("Worker %d got 0 threads", id)
				return
			}

			time.Sleep(10 * time.Millisecond)

			mgr.ReleaseTask(taskID)
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	if mgr.GetAvailableThreads() != mgr.GetTotalThreads() {
		t.Errorf("Expected all threads available after concurrent test")
	}
}

func TestAutoScaleDisabled(t *testing.T) {
	mgr := NewManager(Config{MaxThreads: 10, AutoScale: false})

	allocated := mgr.AllocateForTask(types.TaskId(1), 5*1024*1024*1024, 1) // 5GB

	if allocated > 3 {
		t.Errorf("Expected conservative allocation (<=3) with auto-scale disabled, got %d", allocated)
	}
}

func TestMemoryDetection(t *testing.T) {
	mem := getAvailableMemory()

	if mem < 512*1024*1024 {
		t.Errorf("getAvailableMemory returned too little: %d bytes", mem)
	}
	if mem > 128*1024*1024*1024 {
		t.Errorf("getAvailableMemory returned suspiciously large value: %d bytes", mem)
	}

	t.Logf("Detected available memory: %d MB", mem/(1024*1024))
	t.Logf("CPU cores: %d", runtime.NumCPU())
}

func TestLowSpeedDetection(t *testing.T) {
	mon := NewThroughputMonitor()
	id := types.TaskId(42)

	for i := 0; i < 5; i++ {
		mon.Record(id, 500) // 500 B/s, below a 1024 B/s threshold
	}

	if !mon.LowSpeed(id, 1024, 3) {
		t.Error("expected LowSpeed to trigger when all samples are below threshold")
	}

	mon.Record(id, 2000) // one fast sample
	if mon.LowSpeed(id, 1024, 3) {
		t.Error("expected LowSpeed to clear once a sample exceeds threshold")
	}
}
