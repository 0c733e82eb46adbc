// Package constants collects the tuning values shared across requestd's
// components, grounded on the teacher's internal/constants/app.go — kept as
// a single file in the teacher's style, pruned to the subset that still
// names a real requestd concern.
package constants

import "time"

// Transfer chunking
const (
	// ChunkSize is a 32 MiB transfer chunk size. The HTTP Executor's copy
	// loop does not use it; it reads through a fixed 256 KiB buffer.
	ChunkSize = 32 * 1024 * 1024

	// MinChunkSize and MaxChunkSize are the bounds paired with ChunkSize;
	// no component sizes chunks dynamically.
	MinChunkSize = 16 * 1024 * 1024
	MaxChunkSize = 64 * 1024 * 1024

	// CancelCheckInterval is how often, in bytes written, the Executor's
	// copy loop checks for a cancellation/pause signal (spec.md §5).
	CancelCheckInterval = 1024
)

// Retry configuration (spec.md §4.3, §7)
const (
	// DefaultMaxRetries is the default per-task retry ceiling before a
	// task transitions to Failed.
	DefaultMaxRetries = 5

	// RetryInitialDelay is the base delay before the first retry.
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay caps the full-jitter exponential backoff.
	RetryMaxDelay = 15 * time.Second
)

// Event system. internal/events does not read these two values; it
// applies its own buffer defaults (64 and 4096).
const (
	// EventBusDefaultBuffer is a per-subscriber channel buffer size.
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer is the ceiling for high-throughput subscribers
	// (e.g. the Aggregator, which may fan out to many groups at once).
	EventBusMaxBuffer = 5000
)

// Task Manager worker pool (C5)
const (
	// DefaultQueueMultiplier sizes the manager's internal event queue
	// relative to the worker pool: queue size = workers * multiplier.
	DefaultQueueMultiplier = 2

	// MaxQueueSize bounds the event queue so a stalled consumer can't
	// grow it unboundedly.
	MaxQueueSize = 1000

	// MaxBaselineThreads caps the CPU-derived baseline (2 × cores) of the
	// resources package's range-request slot pool.
	MaxBaselineThreads = 16

	// AbsoluteMaxThreads is the hard ceiling on the resources package's
	// range-request slot pool size.
	AbsoluteMaxThreads = 32

	// MinThreadsPerFile and MaxThreadsPerFile bound the number of
	// concurrent range-requests the Executor may open for one task.
	MinThreadsPerFile = 1
	MaxThreadsPerFile = 16
)

// File-size-based default thread counts used when a task has no explicit
// override (mirrors the teacher's resources/manager.go scaling table,
// retargeted from upload/download parts to concurrent range-fetches).
const (
	SmallFileThreshold  = 100 * 1024 * 1024
	MediumFileThreshold = 500 * 1024 * 1024
	LargeFile1GB        = 1 * 1024 * 1024 * 1024
	LargeFile5GB        = 5 * 1024 * 1024 * 1024
	LargeFile10GB       = 10 * 1024 * 1024 * 1024

	ThreadsForSmallFiles  = 1
	ThreadsForMediumFiles = 2
	ThreadsForLargeFiles  = 3

	ThreadsFor500MBto1GB = 4
	ThreadsFor1GBto5GB   = 8
	ThreadsFor5GBto10GB  = 12
	ThreadsFor10GBPlus   = 16
)

// Throughput monitoring (low-speed detection, spec.md §4.3)
const (
	// MaxThroughputSamples keeps the last N samples for the Executor's
	// low-speed window average.
	MaxThroughputSamples = 10

	// MinScaleUpThroughputMBps and MaxScaleUpVarianceMBps inform whether
	// a task is stable enough to open another concurrent range-request.
	MinScaleUpThroughputMBps = 10.0
	MaxScaleUpVarianceMBps   = 2.0

	// ScaleDownThresholdPercent is the throughput drop (relative to the
	// best observed sample) that triggers dropping a range-request.
	ScaleDownThresholdPercent = 0.8
)

// System memory limits for the Preload Cache Manager's (C7) RAM tier.
const (
	MinSystemMemory = 512 * 1024 * 1024
	MaxSystemMemory = 8 * 1024 * 1024 * 1024
)

// HTTP client timeouts (A3)
const (
	HTTPIdleConnTimeout       = 90 * time.Second
	HTTPTLSHandshakeTimeout   = 60 * time.Second
	HTTPExpectContinueTimeout = 1 * time.Second
	HTTPDialTimeout           = 30 * time.Second
	HTTPDialKeepAlive         = 30 * time.Second
)

// Notification timing (C6, C9)
const (
	// NotifyBatchInterval is how often the Notifier/Aggregator coalesce
	// and flush pending progress updates to subscribers.
	NotifyBatchInterval = 500 * time.Millisecond

	// HealthCheckInterval equals the period of the Task Manager's timeout
	// sweep, whose ticker is set to time.Minute directly rather than
	// reading this constant.
	HealthCheckInterval = 60 * time.Second
)
