package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func TestAttachAndTickReportsRollup(t *testing.T) {
	var mu sync.Mutex
	var last GroupStats
	var got bool

	a := New(nil, func(s GroupStats) {
		mu.Lock()
		defer mu.Unlock()
		last = s
		got = true
	})
	a.interval = 10 * time.Millisecond
	go a.Run()
	defer a.Stop()

	a.AttachTask("batch-1", types.TaskId(1))
	a.AttachTask("batch-1", types.TaskId(2))
	a.TaskUpdate(types.TaskId(1), types.StateRunning, 50)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := got
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !got {
		t.Fatal("expected a rollup notification")
	}
	if last.Total != 2 {
		t.Errorf("Total = %d, want 2", last.Total)
	}
	if last.Eventual {
		t.Error("group should not be eventual yet (not detached, not terminal)")
	}
}

func TestEventualFiresOnceAfterDetachAndTerminal(t *testing.T) {
	var mu sync.Mutex
	var fires int

	a := New(nil, func(s GroupStats) {
		mu.Lock()
		defer mu.Unlock()
		if s.Eventual {
			fires++
		}
	})
	a.interval = 10 * time.Millisecond
	go a.Run()
	defer a.Stop()

	a.AttachTask("batch-2", types.TaskId(10))
	a.TaskUpdate(types.TaskId(10), types.StateCompleted, 100)
	a.Detach("batch-2")

	time.Sleep(150 * time.Millisecond)
	a.TaskUpdate(types.TaskId(10), types.StateCompleted, 100) // re-dirty; must not re-fire

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fires != 1 {
		t.Errorf("eventual fired %d times, want exactly 1", fires)
	}
}

func TestGroupStorePersistsMembership(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONGroupStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	a := New(store, func(GroupStats) {})
	a.AttachTask("batch-3", types.TaskId(5))
	a.Detach("batch-3")

	reloaded, err := NewJSONGroupStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := reloaded.Load("batch-3")
	if !ok {
		t.Fatal("expected persisted group record")
	}
	if rec.AttachAble {
		t.Error("expected AttachAble=false after Detach")
	}
	if len(rec.Members) != 1 || rec.Members[0] != types.TaskId(5) {
		t.Errorf("unexpected members: %+v", rec.Members)
	}
}
