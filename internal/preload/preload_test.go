package preload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPreloadMissFetchesThenHits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("payload-data"))
	}))
	defer srv.Close()

	m := New(Config{RamCapacity: 1 << 20, FileCapacity: 1 << 20, CacheDir: t.TempDir()})

	done := make(chan *RamCache, 1)
	m.Preload(context.Background(), Request{URL: srv.URL}, func(rc *RamCache, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- rc
	}, false)

	rc := <-done
	if string(rc.Data) != "payload-data" {
		t.Errorf("got %q", rc.Data)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 HTTP hit, got %d", hits)
	}

	done2 := make(chan *RamCache, 1)
	m.Preload(context.Background(), Request{URL: srv.URL}, func(rc *RamCache, err error) {
		done2 <- rc
	}, false)
	<-done2
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected cache hit to avoid a second HTTP call, hits=%d", hits)
	}
}

func TestPreloadSingleFlight(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte("slow-payload"))
	}))
	defer srv.Close()

	m := New(Config{RamCapacity: 1 << 20, FileCapacity: 1 << 20, CacheDir: t.TempDir()})

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Preload(context.Background(), Request{URL: srv.URL}, func(rc *RamCache, err error) {}, false)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	waitFor(t, func() bool { return atomic.LoadInt32(&hits) == 1 })
}

func TestCapacityEviction(t *testing.T) {
	p := newPool(128)
	for i := 0; i < 8; i++ {
		p.insert(string(rune('a'+i)), 18)
	}
	if p.usedBytes() > 128 {
		t.Errorf("used=%d exceeds capacity 128", p.usedBytes())
	}
	if p.has("a") {
		t.Error("expected first-inserted entry to be evicted")
	}
}

func TestRestoreFromDiskDropsPartialFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "abc_F"), []byte("finished"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "def.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(Config{RamCapacity: 1 << 20, FileCapacity: 1 << 20, CacheDir: dir})
	if err := m.RestoreFromDisk(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "def.tmp")); !os.IsNotExist(err) {
		t.Error("expected partial file to be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "abc_F")); err != nil {
		t.Error("expected finished file to survive")
	}

	rc, ok := m.fetch(context.Background(), "abc")
	if !ok {
		t.Fatal("expected restored entry to be fetchable")
	}
	if string(rc.Data) != "finished" {
		t.Errorf("got %q", rc.Data)
	}
}
