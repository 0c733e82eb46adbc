// Package aggregator implements the Notification Aggregator (C9): a
// per-group progress rollup that coalesces task-level notifications into
// a throttled group-level one and detects group completion.
//
// Grounded on the teacher's internal/transfer/queue.go GetAllBatchStats
// (single-pass scan building one aggregate record per batch ID) and its
// batchTickerLoop (fixed-interval ticker that republishes aggregate state
// and stops itself once nothing is left to report — adapted here into the
// "eventual" completion check instead of a self-stopping ticker, since a
// group must keep accepting task updates until it is explicitly detached).
package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/constants"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// GroupStats is the rollup delivered to a notification callback.
type GroupStats struct {
	GroupID       string
	Total         int
	Succeeded     int
	Failed        int
	Processed     int64
	Eventual      bool // true exactly once, the tick the group completes
	TaskSnapshots map[types.TaskId]TaskSnapshot
}

// TaskSnapshot is one task's last-known state within a group.
type TaskSnapshot struct {
	State     types.State
	Processed int64
}

// GroupRecord is the persisted membership/attach-able record for one
// group (spec.md §4.9 "stored in an auxiliary database").
type GroupRecord struct {
	GroupID    string
	AttachAble bool
	Members    []types.TaskId
}

// GroupStore is the auxiliary membership database surface.
type GroupStore interface {
	Save(rec GroupRecord) error
	Load(groupID string) (GroupRecord, bool)
	All() []GroupRecord
	Delete(groupID string) error
}

// JSONGroupStore is a crash-safe, write-temp-then-rename GroupStore,
// grounded on the same pattern as internal/persistence.JSONStore.
type JSONGroupStore struct {
	mu      sync.Mutex
	path    string
	records map[string]GroupRecord
}

// NewJSONGroupStore opens (or creates) a group-membership snapshot under dir.
func NewJSONGroupStore(dir string) (*JSONGroupStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "groups.json")
	s := &JSONGroupStore{path: path, records: map[string]GroupRecord{}}
	if data, err := os.ReadFile(path); err == nil {
		var recs []GroupRecord
		if err := json.Unmarshal(data, &recs); err == nil {
			for _, r := range recs {
				s.records[r.GroupID] = r
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *JSONGroupStore) saveLocked() error {
	recs := make([]GroupRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONGroupStore) Save(rec GroupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.GroupID] = rec
	return s.saveLocked()
}

func (s *JSONGroupStore) Load(groupID string) (GroupRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[groupID]
	return r, ok
}

func (s *JSONGroupStore) All() []GroupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GroupRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

func (s *JSONGroupStore) Delete(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, groupID)
	return s.saveLocked()
}

// NotifyFunc receives one throttled group rollup.
type NotifyFunc func(GroupStats)

// group is the in-memory live state for one group.
type group struct {
	attachAble bool
	tasks      map[types.TaskId]TaskSnapshot
	dirty      bool
	firedFinal bool
}

// Aggregator is the C9 Notification Aggregator. It is driven by its
// AttachTask/TaskUpdate/Detach calls and emits throttled rollups on its own
// ticker. The Task Manager does not call it.
type Aggregator struct {
	mu     sync.Mutex
	groups map[string]*group
	taskGr map[types.TaskId]string
	store  GroupStore
	notify NotifyFunc

	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs an Aggregator. store may be nil (group membership then
// lives only in memory, for tests).
func New(store GroupStore, notify NotifyFunc) *Aggregator {
	a := &Aggregator{
		groups:   map[string]*group{},
		taskGr:   map[types.TaskId]string{},
		store:    store,
		notify:   notify,
		interval: constants.NotifyBatchInterval,
		stop:     make(chan struct{}),
	}
	a.restore()
	return a
}

func (a *Aggregator) restore() {
	if a.store == nil {
		return
	}
	for _, rec := range a.store.All() {
		g := &group{attachAble: rec.AttachAble, tasks: map[types.TaskId]TaskSnapshot{}}
		for _, id := range rec.Members {
			g.tasks[id] = TaskSnapshot{}
			a.taskGr[id] = rec.GroupID
		}
		a.groups[rec.GroupID] = g
	}
}

// AttachTask adds taskId to groupID's membership, marking the group
// attach-able (still accepting new members) until Detach is called.
func (a *Aggregator) AttachTask(groupID string, taskId types.TaskId) {
	a.mu.Lock()
	g, ok := a.groups[groupID]
	if !ok {
		g = &group{attachAble: true, tasks: map[types.TaskId]TaskSnapshot{}}
		a.groups[groupID] = g
	}
	g.tasks[taskId] = TaskSnapshot{}
	a.taskGr[taskId] = groupID
	a.persistLocked(groupID, g)
	a.mu.Unlock()
}

// Detach marks groupID as no longer attach-able; once every member
// reaches a terminal state the group fires its "eventual" notification.
func (a *Aggregator) Detach(groupID string) {
	a.mu.Lock()
	if g, ok := a.groups[groupID]; ok {
		g.attachAble = false
		g.dirty = true
		a.persistLocked(groupID, g)
	}
	a.mu.Unlock()
}

func (a *Aggregator) persistLocked(groupID string, g *group) {
	if a.store == nil {
		return
	}
	members := make([]types.TaskId, 0, len(g.tasks))
	for id := range g.tasks {
		members = append(members, id)
	}
	a.store.Save(GroupRecord{GroupID: groupID, AttachAble: g.attachAble, Members: members})
}

// TaskUpdate records a task's latest (state, processed) within whatever
// group it belongs to; a no-op if the task is in no group.
func (a *Aggregator) TaskUpdate(taskId types.TaskId, state types.State, processed int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	groupID, ok := a.taskGr[taskId]
	if !ok {
		return
	}
	g := a.groups[groupID]
	g.tasks[taskId] = TaskSnapshot{State: state, Processed: processed}
	g.dirty = true
}

// Run starts the throttled notification ticker; it returns when Stop
// signals shutdown.
func (a *Aggregator) Run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.tick()
		case <-a.stop:
			return
		}
	}
}

// Stop halts the ticker loop; idempotent.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Aggregator) tick() {
	a.mu.Lock()
	type pending struct {
		id    string
		stats GroupStats
	}
	var fire []pending
	for id, g := range a.groups {
		if !g.dirty || g.firedFinal {
			continue
		}
		g.dirty = false

		stats := GroupStats{GroupID: id, TaskSnapshots: map[types.TaskId]TaskSnapshot{}}
		allTerminal := true
		for taskId, snap := range g.tasks {
			stats.Total++
			stats.Processed += snap.Processed
			stats.TaskSnapshots[taskId] = snap
			switch snap.State {
			case types.StateCompleted:
				stats.Succeeded++
			case types.StateFailed:
				stats.Failed++
			default:
				allTerminal = false
			}
		}

		if !g.attachAble && allTerminal && stats.Total > 0 {
			stats.Eventual = true
			g.firedFinal = true
		}
		fire = append(fire, pending{id: id, stats: stats})
	}
	a.mu.Unlock()

	for _, p := range fire {
		if a.notify != nil {
			a.notify(p.stats)
		}
	}
}
