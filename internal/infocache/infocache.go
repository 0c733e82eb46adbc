// Package infocache implements the Download Info Registry (C8): a
// bounded LRU from task_id to DownloadInfo, resizable at runtime.
//
// Grounded on the pack's cklxx-elephant.ai repo, which depends on
// github.com/hashicorp/golang-lru/v2 for exactly this shape (a capped,
// thread-safe-by-convention cache keyed by a simple comparable type);
// adopted directly rather than hand-rolling a second LRU next to the one
// in internal/preload (that one needs byte-capacity accounting and
// single-flight coordination this registry does not).
package infocache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// Registry is the C8 Download Info Registry.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[types.TaskId, types.DownloadInfo]
}

// New constructs a Registry with the given capacity (entries, not
// bytes); capacity must be at least 1.
func New(capacity int) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	c, _ := lru.New[types.TaskId, types.DownloadInfo](capacity)
	return &Registry{cache: c}
}

// Put installs or refreshes info for id, evicting the LRU head first if
// the registry is already at capacity.
func (r *Registry) Put(id types.TaskId, info types.DownloadInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(id, info)
}

// Get returns the stored DownloadInfo for id, if present, and marks it
// most-recently-used.
func (r *Registry) Get(id types.TaskId) (types.DownloadInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Get(id)
}

// Remove evicts id if present.
func (r *Registry) Remove(id types.TaskId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(id)
}

// Len reports the current entry count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Resize changes capacity at runtime; a shrink evicts the excess LRU
// entries immediately.
func (r *Registry) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Resize(capacity)
}
