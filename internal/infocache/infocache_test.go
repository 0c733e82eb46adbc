package infocache

import (
	"testing"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func TestPutGet(t *testing.T) {
	r := New(4)
	r.Put(1, types.DownloadInfo{ResourceSize: 100})
	info, ok := r.Get(1)
	if !ok {
		t.Fatal("expected hit")
	}
	if info.ResourceSize != 100 {
		t.Errorf("got %d, want 100", info.ResourceSize)
	}
}

func TestEvictsLRUHeadWhenFull(t *testing.T) {
	r := New(2)
	r.Put(1, types.DownloadInfo{ResourceSize: 1})
	r.Put(2, types.DownloadInfo{ResourceSize: 2})
	r.Put(3, types.DownloadInfo{ResourceSize: 3})

	if _, ok := r.Get(1); ok {
		t.Error("expected task 1 to be evicted")
	}
	if _, ok := r.Get(2); !ok {
		t.Error("expected task 2 to survive")
	}
	if _, ok := r.Get(3); !ok {
		t.Error("expected task 3 to survive")
	}
}

func TestResizeDownEvictsExcess(t *testing.T) {
	r := New(4)
	r.Put(1, types.DownloadInfo{})
	r.Put(2, types.DownloadInfo{})
	r.Put(3, types.DownloadInfo{})
	r.Resize(1)
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after shrinking to capacity 1", r.Len())
	}
}

func TestRemove(t *testing.T) {
	r := New(4)
	r.Put(1, types.DownloadInfo{})
	r.Remove(1)
	if _, ok := r.Get(1); ok {
		t.Error("expected removed entry to be gone")
	}
}
