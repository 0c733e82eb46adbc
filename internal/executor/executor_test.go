package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/taskrecord"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func newRecord(t *testing.T, cfg types.TaskConfig) *taskrecord.Record {
	t.Helper()
	return taskrecord.New(types.TaskId(1), cfg, nil)
}

func TestRunDownloadFullBody(t *testing.T) {
	body := strings.Repeat("a", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	cfg := types.TaskConfig{
		URL:    srv.URL,
		Action: types.ActionDownload,
		Range:  types.Range{Ends: -1},
		FileSpecs: []types.FileSpec{
			{Name: "file", Path: dest, FileName: "out.bin"},
		},
	}
	r := newRecord(t, cfg)

	e := New(Config{MaxRetries: 1}, events.NewBus(8))
	res := e.Run(context.Background(), r)
	if res.Reason != types.ReasonOk {
		t.Fatalf("expected ReasonOk, got %v", res.Reason)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != body {
		t.Errorf("downloaded body mismatch: got %d bytes, want %d", len(data), len(body))
	}
}

func TestRunDownloadResumeWithRange(t *testing.T) {
	full := strings.Repeat("b", 2048) + strings.Repeat("c", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rangeHeader := req.Header.Get("Range")
		if rangeHeader == "" {
			w.Write([]byte(full))
			return
		}
		w.Header().Set("Content-Range", "bytes 2048-4095/4096")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[2048:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(dest, []byte(full[:2048]), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := types.TaskConfig{
		URL:    srv.URL,
		Action: types.ActionDownload,
		Range:  types.Range{Ends: -1},
		FileSpecs: []types.FileSpec{
			{Name: "file", Path: dest, FileName: "out.bin"},
		},
	}
	r := newRecord(t, cfg)
	r.UpdateProgress(0, []int64{2048}, []int64{-1}, nil)

	e := New(Config{}, nil)
	res := e.Run(context.Background(), r)
	if res.Reason != types.ReasonOk {
		t.Fatalf("expected ReasonOk, got %v", res.Reason)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != full {
		t.Errorf("resumed body mismatch: got %q, want %q", data, full)
	}
}

func TestRunDownloadRangeNotSatisfiable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := types.TaskConfig{
		URL:    srv.URL,
		Action: types.ActionDownload,
		Range:  types.Range{Begins: 10, Ends: -1},
		FileSpecs: []types.FileSpec{
			{Path: filepath.Join(dir, "out.bin")},
		},
	}
	r := newRecord(t, cfg)
	r.UpdateProgress(0, []int64{1}, []int64{-1}, nil)

	e := New(Config{}, nil)
	res := e.Run(context.Background(), r)
	if res.Reason != types.ReasonUnsupportRangeRequest {
		t.Fatalf("expected ReasonUnsupportRangeRequest, got %v", res.Reason)
	}
}

func TestRunDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := types.TaskConfig{
		URL:    srv.URL,
		Action: types.ActionDownload,
		FileSpecs: []types.FileSpec{
			{Path: filepath.Join(dir, "out.bin")},
		},
	}
	r := newRecord(t, cfg)

	e := New(Config{}, nil)
	res := e.Run(context.Background(), r)
	if res.Reason != types.ReasonProtocolError {
		t.Fatalf("expected ReasonProtocolError, got %v", res.Reason)
	}
}

func TestRunUploadMultipart(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(srcPath, []byte("hello world"), 0o600); err != nil {
		t.Fatal(err)
	}

	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotContentType = req.Header.Get("Content-Type")
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("server failed to parse multipart: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := types.TaskConfig{
		URL:    srv.URL,
		Action: types.ActionUpload,
		FileSpecs: []types.FileSpec{
			{Name: "file", Path: srcPath, FileName: "src.txt"},
		},
	}
	r := newRecord(t, cfg)

	e := New(Config{}, nil)
	res := e.Run(context.Background(), r)
	if res.Reason != types.ReasonOk {
		t.Fatalf("expected ReasonOk, got %v", res.Reason)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Errorf("expected multipart content type, got %q", gotContentType)
	}
}

func TestBuildRangeHeader(t *testing.T) {
	if got := BuildRangeHeader(100, -1); got != "bytes=100-" {
		t.Errorf("got %q", got)
	}
	if got := BuildRangeHeader(100, 200); got != "bytes=100-200" {
		t.Errorf("got %q", got)
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	total, ok := ParseContentRangeTotal("bytes 0-99/1000")
	if !ok || total != 1000 {
		t.Errorf("got total=%d ok=%v, want 1000,true", total, ok)
	}
	if _, ok := ParseContentRangeTotal("garbage"); ok {
		t.Error("expected ok=false for malformed header")
	}
}
