package clientproto

import (
	"path/filepath"
	"testing"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	req := Request{
		Type:   CmdConstruct,
		TaskId: 7,
		Config: &TaskConfigDTO{URL: "http://example.invalid/file", Action: "download", FilePath: "/tmp/out"},
	}
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRequest(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != req.Type || got.Config.URL != req.Config.URL {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestErrorNameMapsKnownCodes(t *testing.T) {
	if ErrorName(int32(types.ErrOk)) != "Ok" {
		t.Error("expected Ok")
	}
	if ErrorName(int32(types.ErrTaskNotFound)) != "TaskNotFound" {
		t.Error("expected TaskNotFound")
	}
	if ErrorName(999) != "Other" {
		t.Error("expected Other for unknown code")
	}
}

func TestServerRoundTripsOneRequest(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "cmd.sock")

	srv, err := NewServer("unix", sock, func(req Request) Response {
		if req.Type != CmdStart {
			t.Errorf("unexpected command type %v", req.Type)
		}
		return Response{ErrorCode: 0, TaskId: req.TaskId}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	go srv.Serve()

	resp, err := Call("unix", sock, Request{Type: CmdStart, TaskId: 3})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != 0 || resp.TaskId != 3 {
		t.Errorf("got %+v", resp)
	}
}
