// Package taskrecord implements the Task Record & Config component (C1):
// immutable task configuration paired with mutable status/progress guarded
// by the legal state-transition table of spec.md §4.1.
//
// The locking shape follows the teacher's internal/transfer/task.go: a
// single struct, an RWMutex over the mutable fields, and accessors
// (Status, Progress) that return copies for callers that need a
// point-in-time snapshot without holding the lock.
package taskrecord

import (
	"sync"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// transitions enumerates the only legal (from, to) pairs for SetStatus.
var transitions = map[types.State]map[types.State]bool{
	types.StateInitialized: {
		types.StateWaiting: true, types.StateRunning: true, types.StatePaused: true,
		types.StateStopped: true, types.StateRemoved: true, types.StateFailed: true,
	},
	types.StateWaiting: {
		types.StateRunning: true, types.StateRetrying: true, types.StatePaused: true,
		types.StateStopped: true, types.StateRemoved: true, types.StateFailed: true,
	},
	types.StateRunning: {
		types.StateWaiting: true, types.StateRetrying: true, types.StatePaused: true,
		types.StateStopped: true, types.StateCompleted: true, types.StateFailed: true,
		types.StateRemoved: true,
	},
	types.StateRetrying: {
		types.StateWaiting: true, types.StateRunning: true, types.StatePaused: true,
		types.StateStopped: true, types.StateCompleted: true, types.StateFailed: true,
		types.StateRemoved: true,
	},
	types.StatePaused: {
		types.StateWaiting: true, types.StateRunning: true, types.StateRetrying: true,
		types.StateStopped: true, types.StateRemoved: true,
	},
	types.StateStopped: {
		types.StateRemoved: true,
	},
	types.StateCompleted: {
		types.StateRemoved: true,
	},
	types.StateFailed: {
		types.StateRemoved: true,
	},
	types.StateRemoved: {},
}

// CanTransition reports whether (from, to) is in the legal table. Exposed
// standalone so the Scheduler and Persistence Gateway can check legality
// without constructing a Record.
func CanTransition(from, to types.State) bool {
	return transitions[from][to]
}

// StateChangeFunc is invoked after every applied state change, on entering
// a terminal state (for persistence write-through), and on entering
// Waiting (to record the wait-since timestamp). Task Manager subscribes
// through this hook rather than holding a back-pointer (spec.md §9,
// "cyclic references... broken by the event queue").
type StateChangeFunc func(id types.TaskId, status types.TaskStatus)

// Record is one task: immutable Config plus mutable Status/Progress.
type Record struct {
	ID     types.TaskId
	Config types.TaskConfig

	mu       sync.RWMutex
	status   types.TaskStatus
	progress types.Progress

	Tries         int
	LastNotify    time.Time
	RateLimited   bool
	WaitingSince  time.Time
	AppStateSnap  types.AppState

	onChange StateChangeFunc
}

// New constructs a Record in Initialized state.
func New(id types.TaskId, cfg types.TaskConfig, onChange StateChangeFunc) *Record {
	sizes := make([]int64, len(cfg.FileSpecs))
	processed := make([]int64, len(cfg.FileSpecs))
	if cfg.Action == types.ActionDownload && len(sizes) == 0 {
		sizes = []int64{-1}
		processed = []int64{0}
	}
	for i := range sizes {
		sizes[i] = -1
	}
	return &Record{
		ID:     id,
		Config: cfg,
		status: types.TaskStatus{State: types.StateInitialized, Reason: types.ReasonDefault, Mtime: time.Now()},
		progress: types.Progress{
			State:     types.StateInitialized,
			Processed: processed,
			Sizes:     sizes,
			Extras:    map[string]string{},
		},
		onChange: onChange,
	}
}

// Status returns a copy of the current status.
func (r *Record) Status() types.TaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Progress returns a deep-ish copy of the current progress (slices copied).
func (r *Record) Progress() types.Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.progress
	p.Processed = append([]int64(nil), r.progress.Processed...)
	p.Sizes = append([]int64(nil), r.progress.Sizes...)
	extras := make(map[string]string, len(r.progress.Extras))
	for k, v := range r.progress.Extras {
		extras[k] = v
	}
	p.Extras = extras
	return p
}

// SetStatus enforces the transition table, updates mtime, and returns
// whether the transition was applied (spec.md §4.1, P4).
func (r *Record) SetStatus(to types.State, reason types.Reason) bool {
	r.mu.Lock()
	from := r.status.State
	if from == to {
		// idempotent re-assertion of the same state is not a transition;
		// only reason/mtime are refreshed.
		r.status.Reason = reason
		r.status.Mtime = time.Now()
		status := r.status
		r.mu.Unlock()
		if r.onChange != nil {
			r.onChange(r.ID, status)
		}
		return true
	}
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return false
	}
	r.status = types.TaskStatus{State: to, Reason: reason, Mtime: time.Now()}
	if to == types.StateWaiting {
		r.WaitingSince = r.status.Mtime
	}
	r.progress.State = to
	status := r.status
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(r.ID, status)
	}
	return true
}

// UpdateProgress applies a new processed-bytes vector, enforcing the
// accounting equality total = Σ processed[i] (P5).
func (r *Record) UpdateProgress(index int, processed []int64, sizes []int64, extras map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Index = index
	if processed != nil {
		r.progress.Processed = processed
	}
	if sizes != nil {
		r.progress.Sizes = sizes
	}
	if extras != nil {
		for k, v := range extras {
			r.progress.Extras[k] = v
		}
	}
	r.progress.Total = r.progress.TotalProcessed()
}

// IncTries increments the retry counter and returns the new value.
func (r *Record) IncTries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tries++
	return r.Tries
}

// SetRateLimited sets the cooperative self-throttle flag the Executor
// reads at each tick (spec.md §4.5 apply-diff policy).
func (r *Record) SetRateLimited(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RateLimited = v
}

// IsRateLimited reads the self-throttle flag.
func (r *Record) IsRateLimited() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.RateLimited
}

// SetAppState snapshots the owning uid's foreground/background state for
// the Executor to read without touching the Task Manager's live state.
func (r *Record) SetAppState(s types.AppState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AppStateSnap = s
}

// AppStateSnapshot reads the last-set app state snapshot.
func (r *Record) AppStateSnapshot() types.AppState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.AppStateSnap
}
