package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/executor"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/logging"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/persistence"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/resources"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/scheduler"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	return newTestManagerWithHighQosMax(t, 4)
}

func newTestManagerWithHighQosMax(t *testing.T, highQosMax int) *Manager {
	t.Helper()
	store, err := persistence.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(32)
	m := New(Config{
		Store:       store,
		Scheduler:   scheduler.New(highQosMax),
		Executor:    executor.New(executor.Config{}, bus),
		Resources:   resources.NewManager(resources.Config{MaxThreads: 4}),
		Bus:         bus,
		Logger:      logging.New("error"),
		QueueBuffer: 64,
	})
	return m
}

func TestConstructAssignsTaskId(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dir := t.TempDir()
	reply := make(chan events.Reply, 1)
	cfg := types.TaskConfig{
		Uid:    1,
		URL:    "http://example.invalid/file",
		Action: types.ActionDownload,
		FileSpecs: []types.FileSpec{
			{Path: filepath.Join(dir, "out.bin")},
		},
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdConstruct, Config: &cfg, Reply: reply})

	select {
	case r := <-reply:
		if r.Err != types.ErrOk {
			t.Fatalf("construct failed: %v", r.Err)
		}
		if r.TaskId == 0 {
			t.Error("expected nonzero task id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for construct reply")
	}
}

func TestEndToEndDownloadCompletes(t *testing.T) {
	body := "hello from the server"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	reply := make(chan events.Reply, 1)
	cfg := types.TaskConfig{
		Uid:    7,
		URL:    srv.URL,
		Action: types.ActionDownload,
		Mode:   types.ModeForeground,
		FileSpecs: []types.FileSpec{
			{Path: dest},
		},
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdConstruct, Config: &cfg, Reply: reply})

	var id types.TaskId
	select {
	case r := <-reply:
		id = r.TaskId
	case <-time.After(2 * time.Second):
		t.Fatal("construct timed out")
	}

	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdStart, TaskId: id})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r := m.get(id)
		if r != nil && r.Status().State == types.StateCompleted {
			data, err := os.ReadFile(dest)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != body {
				t.Errorf("downloaded content mismatch: got %q", data)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not complete in time")
}

// TestStopPromotesWaitingLowTask is a regression test for the bug where
// applyChanges never saw the diff from scheduler.Remove: with a single
// High slot shared by one uid's two tasks, stopping the running (High)
// task must actually start the other, previously-Low, Waiting task —
// not just update the Scheduler's internal bookkeeping (spec.md §8
// scenario 3, §4.4 remove/fill-vacancy).
func TestStopPromotesWaitingLowTask(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 20; i++ {
			w.Write([]byte("x"))
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}))
	defer slow.Close()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello-b"))
	}))
	defer fast.Close()

	m := newTestManagerWithHighQosMax(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dir := t.TempDir()

	replyA := make(chan events.Reply, 1)
	cfgA := types.TaskConfig{
		Uid:      1,
		URL:      slow.URL,
		Action:   types.ActionDownload,
		Priority: 10,
		FileSpecs: []types.FileSpec{
			{Path: filepath.Join(dir, "a.bin")},
		},
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdConstruct, Config: &cfgA, Reply: replyA})
	rA := <-replyA
	if rA.Err != types.ErrOk {
		t.Fatalf("construct A failed: %v", rA.Err)
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdStart, TaskId: rA.TaskId})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec := m.get(rA.TaskId); rec != nil && rec.Status().State == types.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec := m.get(rA.TaskId); rec == nil || rec.Status().State != types.StateRunning {
		t.Fatal("task A never reached Running")
	}

	destB := filepath.Join(dir, "b.bin")
	replyB := make(chan events.Reply, 1)
	cfgB := types.TaskConfig{
		Uid:      1,
		URL:      fast.URL,
		Action:   types.ActionDownload,
		Priority: 20, // worse priority: contests and loses the sole High slot to A
		FileSpecs: []types.FileSpec{
			{Path: destB},
		},
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdConstruct, Config: &cfgB, Reply: replyB})
	rB := <-replyB
	if rB.Err != types.ErrOk {
		t.Fatalf("construct B failed: %v", rB.Err)
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdStart, TaskId: rB.TaskId})

	// B must stay Waiting: the scheduler assigned it QosLow.
	time.Sleep(100 * time.Millisecond)
	if rec := m.get(rB.TaskId); rec == nil || rec.Status().State != types.StateWaiting {
		t.Fatalf("expected task B to stay Waiting (Low tier), got %v", rec.Status().State)
	}

	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdStop, TaskId: rA.TaskId})

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec := m.get(rB.TaskId); rec != nil && rec.Status().State == types.StateCompleted {
			data, err := os.ReadFile(destB)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "hello-b" {
				t.Errorf("downloaded content mismatch: got %q", data)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task B was never promoted and run after A was stopped")
}

// TestQueryMimeTypeAndDump exercises the three Service commands the
// maintainer review found unreachable: a completed download's
// Content-Type must answer QueryMimeType, and DumpAll/DumpOne must
// serialize the persisted row(s).
func TestQueryMimeTypeAndDump(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dir := t.TempDir()
	reply := make(chan events.Reply, 1)
	cfg := types.TaskConfig{
		Uid:    9,
		URL:    srv.URL,
		Action: types.ActionDownload,
		Mode:   types.ModeForeground,
		FileSpecs: []types.FileSpec{
			{Path: filepath.Join(dir, "out.bin")},
		},
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdConstruct, Config: &cfg, Reply: reply})
	r := <-reply
	id := r.TaskId

	// Before the download runs, mime type is unknown.
	mimeReply := make(chan events.Reply, 1)
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdQueryMimeType, TaskId: id, Reply: mimeReply})
	if got := <-mimeReply; got.Err != types.ErrMimeTypeNotFound {
		t.Fatalf("expected ErrMimeTypeNotFound before download, got %v", got.Err)
	}

	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdStart, TaskId: id})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec := m.get(id); rec != nil && rec.Status().State == types.StateCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec := m.get(id); rec == nil || rec.Status().State != types.StateCompleted {
		t.Fatal("task did not complete in time")
	}

	mimeReply = make(chan events.Reply, 1)
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdQueryMimeType, TaskId: id, Reply: mimeReply})
	got := <-mimeReply
	if got.Err != types.ErrOk {
		t.Fatalf("QueryMimeType failed: %v", got.Err)
	}
	var mime string
	if err := json.Unmarshal(got.Rows, &mime); err != nil {
		t.Fatalf("decoding mime type: %v", err)
	}
	if mime != "text/plain; charset=utf-8" {
		t.Errorf("expected captured Content-Type, got %q", mime)
	}

	dumpOneReply := make(chan events.Reply, 1)
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdDumpOne, TaskId: id, Reply: dumpOneReply})
	dumped := <-dumpOneReply
	if dumped.Err != types.ErrOk {
		t.Fatalf("DumpOne failed: %v", dumped.Err)
	}
	var row persistence.Row
	if err := json.Unmarshal(dumped.Rows, &row); err != nil {
		t.Fatalf("decoding dumped row: %v", err)
	}
	if row.TaskId != id {
		t.Errorf("expected dumped row for task %d, got %d", id, row.TaskId)
	}

	dumpAllReply := make(chan events.Reply, 1)
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdDumpAll, Reply: dumpAllReply})
	all := <-dumpAllReply
	if all.Err != types.ErrOk {
		t.Fatalf("DumpAll failed: %v", all.Err)
	}
	var rows []persistence.Row
	if err := json.Unmarshal(all.Rows, &rows); err != nil {
		t.Fatalf("decoding dumped rows: %v", err)
	}
	found := false
	for _, rr := range rows {
		if rr.TaskId == id {
			found = true
		}
	}
	if !found {
		t.Error("expected DumpAll to include the constructed task")
	}
}

func TestPauseCancelsRunningTask(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dir := t.TempDir()
	reply := make(chan events.Reply, 1)
	cfg := types.TaskConfig{
		Uid:    3,
		URL:    "http://127.0.0.1:1/unreachable",
		Action: types.ActionDownload,
		FileSpecs: []types.FileSpec{
			{Path: filepath.Join(dir, "out.bin")},
		},
	}
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdConstruct, Config: &cfg, Reply: reply})
	r := <-reply

	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdStart, TaskId: r.TaskId})
	m.Queue().Send(events.Event{Kind: events.KindService, Command: events.CmdPause, TaskId: r.TaskId})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := m.get(r.TaskId)
		if rec != nil && rec.Status().State == types.StatePaused {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not reach Paused in time")
}
