// Package clientproto implements the wire protocol requestctl uses to
// talk to requestd's command socket: newline-delimited JSON requests and
// responses, each reply leading with an i32 error code (spec.md §6).
//
// spec.md only mandates an exact binary layout for the notification
// channel (internal/notifier); the client-command channel is described
// generically ("length-prefixed strings, u32 integers, or repeating
// key/value pairs"). Grounded on the teacher's internal/ipc/messages.go
// (MessageType request/response envelope, newline-delimited JSON framing
// read via bufio.Reader.ReadBytes('\n')) rather than inventing a second
// bespoke binary format for a channel the spec leaves unspecified.
package clientproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// CommandType names one client command (spec.md §6's command list, minus
// Subscribe/OpenChannel which are served by internal/notifier's own
// socket instead of this request/response channel).
type CommandType string

const (
	CmdConstruct     CommandType = "Construct"
	CmdPause         CommandType = "Pause"
	CmdQuery         CommandType = "Query"
	CmdQueryMimeType CommandType = "QueryMimeType"
	CmdRemove        CommandType = "Remove"
	CmdResume        CommandType = "Resume"
	CmdStart         CommandType = "Start"
	CmdStop          CommandType = "Stop"
	CmdShow          CommandType = "Show"
	CmdTouch         CommandType = "Touch"
	CmdSearch        CommandType = "Search"
	CmdGetTask       CommandType = "GetTask"
	CmdDumpAll       CommandType = "DumpAll"
	CmdDumpOne       CommandType = "DumpOne"
)

// TaskConfigDTO is the wire shape of types.TaskConfig (JSON-tagged so
// requestctl's flags map onto it directly).
type TaskConfigDTO struct {
	Uid            uint64          `json:"uid,omitempty"`
	BundleName     string          `json:"bundle_name,omitempty"`
	URL            string          `json:"url"`
	Method         string          `json:"method,omitempty"`
	Action         string          `json:"action"`
	Mode           string          `json:"mode,omitempty"`
	Priority       int32           `json:"priority,omitempty"`
	FilePath       string          `json:"file_path"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	Retry          bool            `json:"retry,omitempty"`
	FollowRedirect bool            `json:"follow_redirect,omitempty"`
	Network        string          `json:"network,omitempty"`
}

// Request is one client-command envelope.
type Request struct {
	Type   CommandType    `json:"type"`
	TaskId uint32         `json:"task_id,omitempty"`
	Config *TaskConfigDTO `json:"config,omitempty"`
	Uid    *uint64        `json:"uid,omitempty"`
	State  *string        `json:"state,omitempty"`
}

// Response is one client-command reply; ErrorCode 0 (types.ErrOk) means
// success, matching spec.md §6's "leading i32 error code, zero means
// success".
type Response struct {
	ErrorCode int32           `json:"error_code"`
	TaskId    uint32          `json:"task_id,omitempty"`
	Rows      json.RawMessage `json:"rows,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EncodeRequest/ DecodeRequest and their Response counterparts frame one
// JSON document per line.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func DecodeRequest(line []byte) (Request, error) {
	var req Request
	err := json.Unmarshal(line, &req)
	return req, err
}

func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	err := json.Unmarshal(line, &resp)
	return resp, err
}

// Call dials network/address, sends one request, and returns the decoded
// response. Used by requestctl; each call is a fresh connection, matching
// the teacher's IPC client (one request per connection, 30s deadline).
func Call(network, address string, req Request) (Response, error) {
	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("dialing %s: %w", address, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	data, err := EncodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := conn.Write(data); err != nil {
		return Response{}, err
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	return DecodeResponse(line)
}

// ErrorName renders a types.ClientError for display.
func ErrorName(code int32) string {
	switch types.ClientError(code) {
	case types.ErrOk:
		return "Ok"
	case types.ErrPermission:
		return "Permission"
	case types.ErrTaskNotFound:
		return "TaskNotFound"
	case types.ErrTaskStateErr:
		return "TaskStateErr"
	case types.ErrTaskModeErr:
		return "TaskModeErr"
	case types.ErrTaskEnqueueErr:
		return "TaskEnqueueErr"
	case types.ErrFileOperationErr:
		return "FileOperationErr"
	case types.ErrMimeTypeNotFound:
		return "MimeTypeNotFound"
	case types.ErrUnloadingSA:
		return "UnloadingSA"
	default:
		return "Other"
	}
}
