// Package persistence implements the Persistence Gateway (C2): load/store
// task rows, query by filter, and bulk state transitions, behind a Store
// interface so the storage format stays the opaque detail spec.md §1
// declares it to be.
//
// The production implementation snapshots rows to a single JSON document
// using the teacher's write-temp-then-rename pattern
// (internal/cloud/download/resume.go SaveDownloadState), which is the only
// crash-safety technique for local file writes the example pack shows.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// Row is the persisted shape of one task (spec.md §6 "Persisted layout").
type Row struct {
	TaskId      types.TaskId
	Uid         uint64
	TokenId     string
	Action      types.Action
	Mode        types.Mode
	Cover       bool
	Network     types.NetworkType
	Metered     bool
	Roaming     bool
	Ctime       int64
	Mtime       int64
	Reason      types.Reason
	Gauge       bool
	Retry       bool
	Redirect    bool
	Tries       int
	Version     int
	Begins      int64
	Ends        int64
	Precise     bool
	Priority    int32
	Background  bool
	Bundle      string
	URL         string
	Title       string
	Description string
	Method      string
	Headers     string // "key: value\n"-joined
	Extras      string // "key: value\n"-joined
	MimeType    string
	State       types.State
	Index       int
	Total       int64
	Sizes       string // comma-joined
	Processed   string // comma-joined
}

// Filter selects rows for Search/query_app_qos_infos-style lookups.
type Filter struct {
	Uid    *uint64
	State  *types.State
	Action *types.Action
}

// Store is the Persistence Gateway surface (spec.md §4.2).
type Store interface {
	Insert(row Row) bool // idempotent: duplicate task_id returns false
	UpdateProgress(id types.TaskId, index int, total int64, sizes, processed []int64) error
	UpdateState(id types.TaskId, state types.State, reason types.Reason) error
	GetInfo(id types.TaskId) (Row, bool)
	Search(f Filter) []Row
	DeleteEarlier(beforeUnix int64) int
	ClearInvalid() int // rewrite (Waiting, Default) rows to Failed
}

// JSONStore is a mutex-guarded, crash-safe JSON-snapshot Store.
// Grounded on internal/cloud/download/resume.go's SaveDownloadState.
type JSONStore struct {
	mu   sync.Mutex
	path string
	rows map[types.TaskId]Row
}

// NewJSONStore opens (or creates) a snapshot file under dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "tasks.json")
	s := &JSONStore{path: path, rows: map[types.TaskId]Row{}}
	if data, err := os.ReadFile(path); err == nil {
		var rows []Row
		if err := json.Unmarshal(data, &rows); err == nil {
			for _, r := range rows {
				s.rows[r.TaskId] = r
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) saveLocked() error {
	rows := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONStore) Insert(row Row) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[row.TaskId]; exists {
		return false
	}
	s.rows[row.TaskId] = row
	s.saveLocked()
	return true
}

func (s *JSONStore) UpdateProgress(id types.TaskId, index int, total int64, sizes, processed []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	row.Index = index
	row.Total = total
	row.Sizes = joinInts(sizes)
	row.Processed = joinInts(processed)
	s.rows[id] = row
	return s.saveLocked()
}

func (s *JSONStore) UpdateState(id types.TaskId, state types.State, reason types.Reason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	row.State = state
	row.Reason = reason
	s.rows[id] = row
	return s.saveLocked()
}

func (s *JSONStore) GetInfo(id types.TaskId) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	return r, ok
}

func (s *JSONStore) Search(f Filter) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, r := range s.rows {
		if f.Uid != nil && r.Uid != *f.Uid {
			continue
		}
		if f.State != nil && r.State != *f.State {
			continue
		}
		if f.Action != nil && r.Action != *f.Action {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *JSONStore) DeleteEarlier(beforeUnix int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.rows {
		if r.Mtime < beforeUnix {
			delete(s.rows, id)
			n++
		}
	}
	if n > 0 {
		s.saveLocked()
	}
	return n
}

// ClearInvalid rewrites (Waiting, Default) rows to (Failed, OthersError).
// Must run before scheduling resumes at startup (spec.md §4.2, §7).
func (s *JSONStore) ClearInvalid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.rows {
		if r.State == types.StateWaiting && r.Reason == types.ReasonDefault {
			r.State = types.StateFailed
			r.Reason = types.ReasonOthersError
			s.rows[id] = r
			n++
		}
		// Running/Retrying never persist across restart; rewrite to Waiting.
		if r.State == types.StateRunning || r.State == types.StateRetrying {
			r.State = types.StateWaiting
			s.rows[id] = r
			n++
		}
	}
	if n > 0 {
		s.saveLocked()
	}
	return n
}

func joinInts(vals []int64) string {
	b := make([]byte, 0, len(vals)*8)
	for i, v := range vals {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendInt(b, v)
	}
	return string(b)
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	start := len(b)
	if v == 0 {
		return append(b, '0')
	}
	for v > 0 {
		b = append(b, byte('0'+v%10))
		v /= 10
	}
	// reverse digits just written
	for i, j := start, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}
