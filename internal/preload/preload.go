// Package preload implements the Preload Cache Manager (C7): a
// self-contained, URL-addressed fetch cache with a two-tier (memory,
// file) LRU and per-key single-flight coalescing.
//
// Fingerprint hashing uses stdlib hash/fnv's FNV-1a64: no third-party
// hash library in the pack targets this use case, and the teacher's own
// internal/ratelimit/store.go keying is a cryptographic sha256 sized for
// collision-resistant rate-limit bucket keys, not a cheap cache digest.
// The crash-safe file naming (write `.tmp`, rename to the final name) is
// grounded on internal/cloud/download/resume.go's SaveDownloadState. The
// single-flight token is hand-rolled: spec.md §4.7's seq-guarded Updater
// contract is richer than golang.org/x/sync/singleflight.Do (it must let
// a second caller attach a callback to an in-flight fetch without
// re-issuing the request, and must detect a stale completion racing a
// fresh restart).
package preload

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fingerprint hashes a URL into the cache key spec.md §4.7 calls
// `fingerprint = hash(url)`, using FNV-1a64 (SPEC_FULL.md's GLOSSARY).
func Fingerprint(url string) string {
	h := fnv.New64a()
	h.Write([]byte(url))
	return strconv.FormatUint(h.Sum64(), 16)
}

// RamCache is the in-memory representation of a completed fetch.
type RamCache struct {
	Data []byte
	Size int64
}

// Request describes one preload call.
type Request struct {
	URL     string
	Headers map[string]string
}

// Callback is invoked with the cached payload or an error once a fetch
// resolves (or immediately, on a cache hit).
type Callback func(*RamCache, error)

// pool is one LRU tier; capacity/used are tracked in bytes and eviction
// walks the list from the back (least recently used).
type pool struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	order    *list.List
	index    map[string]*list.Element
}

type poolEntry struct {
	key  string
	size int64
}

func newPool(capacity int64) *pool {
	return &pool{capacity: capacity, order: list.New(), index: map[string]*list.Element{}}
}

// touch moves key to the front (most recently used), if present.
func (p *pool) touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.index[key]; ok {
		p.order.MoveToFront(el)
	}
}

// insert records key/size, evicting LRU victims until it fits. If key is
// already present, its old entry is removed first (spec.md §4.7).
func (p *pool) insert(key string, size int64) (evicted []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.index[key]; ok {
		p.used -= el.Value.(*poolEntry).size
		p.order.Remove(el)
		delete(p.index, key)
	}

	for p.used+size > p.capacity && p.order.Len() > 0 {
		back := p.order.Back()
		victim := back.Value.(*poolEntry)
		p.order.Remove(back)
		delete(p.index, victim.key)
		p.used -= victim.size
		evicted = append(evicted, victim.key)
	}

	el := p.order.PushFront(&poolEntry{key: key, size: size})
	p.index[key] = el
	p.used += size
	return evicted
}

func (p *pool) remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.index[key]; ok {
		p.used -= el.Value.(*poolEntry).size
		p.order.Remove(el)
		delete(p.index, key)
	}
}

func (p *pool) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[key]
	return ok
}

func (p *pool) usedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// insertOldestFirst seeds the pool at startup in mtime order so the
// oldest entry is the first eviction victim (spec.md §4.7 "Restore at
// startup").
func (p *pool) insertOldestFirst(key string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el := p.order.PushBack(&poolEntry{key: key, size: size})
	p.index[key] = el
	p.used += size
}

// updaterState tracks whether an in-flight Updater still accepts
// additional callbacks.
type updaterState int

const (
	updaterRunning updaterState = iota
	updaterCompleting
	updaterDone
)

// updater is the one-shot single-flight slot for a fingerprint: exactly
// one Updater may run a transfer at a time (P7); late callers either
// attach a callback or, if the Updater is already completing, spin until
// they see the result or start a fresh Updater with seq+1.
type updater struct {
	mu        sync.Mutex
	seq       int
	state     updaterState
	callbacks []Callback
	result    *RamCache
	err       error
}

func newUpdater(seq int) *updater {
	return &updater{seq: seq, state: updaterRunning}
}

// addCallback attaches cb to the pending result. Returns false if the
// Updater has already moved to completing/done and can no longer accept
// new waiters.
func (u *updater) addCallback(cb Callback) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != updaterRunning {
		return false
	}
	u.callbacks = append(u.callbacks, cb)
	return true
}

func (u *updater) finish(result *RamCache, err error) []Callback {
	u.mu.Lock()
	u.state = updaterCompleting
	cbs := u.callbacks
	u.result = result
	u.err = err
	u.state = updaterDone
	u.mu.Unlock()
	return cbs
}

// Config configures a Manager.
type Config struct {
	RamCapacity  int64
	FileCapacity int64
	CacheDir     string
	HTTPClient   *http.Client
}

// Manager is the C7 Preload Cache Manager.
type Manager struct {
	ramPool  *pool
	filePool *pool
	cacheDir string
	client   *http.Client

	mu           sync.Mutex
	runningTasks map[string]*updater
	ramMap       map[string]*RamCache
	fileMap      map[string]string // fingerprint -> file path
}

// New constructs a Manager. Call RestoreFromDisk to populate the file
// pool from a prior run.
func New(cfg Config) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		ramPool:      newPool(cfg.RamCapacity),
		filePool:     newPool(cfg.FileCapacity),
		cacheDir:     cfg.CacheDir,
		client:       client,
		runningTasks: map[string]*updater{},
		ramMap:       map[string]*RamCache{},
		fileMap:      map[string]string{},
	}
}

// RestoreFromDisk scans cacheDir: entries without the `_F` suffix are
// partial and deleted; the rest are inserted into the file pool oldest
// mtime first, so the oldest becomes the first eviction victim.
func (m *Manager) RestoreFromDisk() error {
	if m.cacheDir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type finished struct {
		name    string
		path    string
		size    int64
		modTime time.Time
	}
	var keep []finished

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		path := filepath.Join(m.cacheDir, name)
		if len(name) < 2 || name[len(name)-2:] != "_F" {
			os.Remove(path)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		keep = append(keep, finished{name: name, path: path, size: info.Size(), modTime: info.ModTime()})
	}

	sort.Slice(keep, func(i, j int) bool { return keep[i].modTime.Before(keep[j].modTime) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range keep {
		fingerprint := f.name[:len(f.name)-2]
		m.fileMap[fingerprint] = f.path
		m.filePool.insertOldestFirst(fingerprint, f.size)
	}
	return nil
}

// fetch returns the cached RamCache for fingerprint, promoting from the
// file tier if necessary.
func (m *Manager) fetch(ctx context.Context, fingerprint string) (*RamCache, bool) {
	m.mu.Lock()
	rc, ok := m.ramMap[fingerprint]
	m.mu.Unlock()
	if ok {
		m.ramPool.touch(fingerprint)
		return rc, true
	}

	m.mu.Lock()
	path, ok := m.fileMap[fingerprint]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	rc, err := m.fetchFromFile(ctx, fingerprint, path)
	if err != nil {
		return nil, false
	}
	return rc, true
}

// fetchFromFile promotes a file-tier entry back into the RAM tier,
// coordinating concurrent callers through the single-flight map so only
// one of them reads the file.
func (m *Manager) fetchFromFile(ctx context.Context, fingerprint, path string) (*RamCache, error) {
	promoteKey := fingerprint + "#promote"

	m.mu.Lock()
	if u, ok := m.runningTasks[promoteKey]; ok {
		m.mu.Unlock()
		result := make(chan struct{})
		var rc *RamCache
		var fetchErr error
		if u.addCallback(func(r *RamCache, e error) {
			rc, fetchErr = r, e
			close(result)
		}) {
			<-result
			return rc, fetchErr
		}
		return m.fetchFromFile(ctx, fingerprint, path)
	}

	u := newUpdater(0)
	m.runningTasks[promoteKey] = u
	m.mu.Unlock()

	data, err := os.ReadFile(path)
	var rc *RamCache
	if err == nil {
		rc = &RamCache{Data: data, Size: int64(len(data))}
	}

	m.mu.Lock()
	delete(m.runningTasks, promoteKey)
	if rc != nil {
		m.ramMap[fingerprint] = rc
		evicted := m.ramPool.insert(fingerprint, rc.Size)
		for _, victim := range evicted {
			delete(m.ramMap, victim)
		}
	}
	m.mu.Unlock()

	for _, cb := range u.finish(rc, err) {
		cb(rc, err)
	}
	return rc, err
}

// Preload is the C7 entry point. If updateIfCached is false, a cache hit
// delivers cb immediately. Otherwise (or on miss) it joins or starts an
// Updater for the fingerprint.
func (m *Manager) Preload(ctx context.Context, req Request, cb Callback, updateIfCached bool) {
	fingerprint := Fingerprint(req.URL)

	if !updateIfCached {
		if rc, ok := m.fetch(ctx, fingerprint); ok {
			cb(rc, nil)
			return
		}
	}

	m.joinOrStart(ctx, fingerprint, req, cb, 0)
}

func (m *Manager) joinOrStart(ctx context.Context, fingerprint string, req Request, cb Callback, seq int) {
	m.mu.Lock()
	if u, ok := m.runningTasks[fingerprint]; ok {
		if u.seq >= seq && u.addCallback(cb) {
			m.mu.Unlock()
			return
		}
		// The existing Updater is already completing (or stale): spin,
		// either we now see a cached result or we start fresh at seq+1.
		m.mu.Unlock()
		if rc, ok := m.fetch(ctx, fingerprint); ok {
			cb(rc, nil)
			return
		}
		m.joinOrStart(ctx, fingerprint, req, cb, u.seq+1)
		return
	}

	u := newUpdater(seq)
	u.callbacks = []Callback{cb}
	m.runningTasks[fingerprint] = u
	m.mu.Unlock()

	go m.runUpdater(ctx, fingerprint, req, u)
}

// runUpdater performs the HTTP transfer, then writes through to the file
// tier (crash-safe `.tmp`-then-rename) and the RAM tier before firing
// every queued callback.
func (m *Manager) runUpdater(ctx context.Context, fingerprint string, req Request, u *updater) {
	rc, err := m.doFetch(ctx, req)

	m.mu.Lock()
	if cur, ok := m.runningTasks[fingerprint]; ok && cur == u {
		delete(m.runningTasks, fingerprint)
	}
	m.mu.Unlock()

	if err == nil {
		if writeErr := m.writeThrough(fingerprint, rc); writeErr != nil {
			err = writeErr
		}
	}

	for _, cb := range u.finish(rc, err) {
		cb(rc, err)
	}
}

func (m *Manager) doFetch(ctx context.Context, req Request) (*RamCache, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("preload: %s returned status %d", req.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &RamCache{Data: data, Size: int64(len(data))}, nil
}

// writeThrough installs rc in both tiers. The file write (slow IO) and
// the RAM install (pure bookkeeping) have no dependency on each other, so
// they run concurrently via errgroup and are joined before callbacks fire.
func (m *Manager) writeThrough(fingerprint string, rc *RamCache) error {
	var g errgroup.Group

	g.Go(func() error {
		return m.writeFileTier(fingerprint, rc)
	})
	g.Go(func() error {
		m.installRamTier(fingerprint, rc)
		return nil
	})

	return g.Wait()
}

func (m *Manager) writeFileTier(fingerprint string, rc *RamCache) error {
	if m.cacheDir == "" {
		return nil
	}
	finalPath := filepath.Join(m.cacheDir, fingerprint+"_F")
	tmpPath := finalPath + ".tmp"

	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmpPath, rc.Data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	m.mu.Lock()
	m.fileMap[fingerprint] = finalPath
	m.mu.Unlock()
	evicted := m.filePool.insert(fingerprint, rc.Size)
	m.mu.Lock()
	for _, victim := range evicted {
		if path, ok := m.fileMap[victim]; ok {
			os.Remove(path)
			delete(m.fileMap, victim)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) installRamTier(fingerprint string, rc *RamCache) {
	m.mu.Lock()
	m.ramMap[fingerprint] = rc
	m.mu.Unlock()
	evicted := m.ramPool.insert(fingerprint, rc.Size)
	m.mu.Lock()
	for _, victim := range evicted {
		delete(m.ramMap, victim)
	}
	m.mu.Unlock()
}

// RamUsed and FileUsed report current pool occupancy (bytes); used by
// P6's capacity invariant checks.
func (m *Manager) RamUsed() int64  { return m.ramPool.usedBytes() }
func (m *Manager) FileUsed() int64 { return m.filePool.usedBytes() }

// HasRam reports whether fingerprint currently has a RAM-tier entry.
func (m *Manager) HasRam(fingerprint string) bool { return m.ramPool.has(fingerprint) }
