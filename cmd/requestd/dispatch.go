package main

import (
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/clientproto"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/manager"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// dispatcher translates clientproto requests into Task Manager events,
// blocking for the reply. One dispatcher instance is shared by every
// command-socket connection.
type dispatcher struct {
	mgr *manager.Manager
}

var commandCodes = map[clientproto.CommandType]events.ServiceCommand{
	clientproto.CmdConstruct:     events.CmdConstruct,
	clientproto.CmdPause:         events.CmdPause,
	clientproto.CmdQuery:         events.CmdQuery,
	clientproto.CmdQueryMimeType: events.CmdQueryMimeType,
	clientproto.CmdRemove:        events.CmdRemove,
	clientproto.CmdResume:        events.CmdResume,
	clientproto.CmdStart:         events.CmdStart,
	clientproto.CmdStop:          events.CmdStop,
	clientproto.CmdShow:          events.CmdShow,
	clientproto.CmdTouch:         events.CmdTouch,
	clientproto.CmdSearch:        events.CmdSearch,
	clientproto.CmdGetTask:       events.CmdGetTask,
	clientproto.CmdDumpAll:       events.CmdDumpAll,
	clientproto.CmdDumpOne:       events.CmdDumpOne,
}

func (d *dispatcher) handle(req clientproto.Request) clientproto.Response {
	cmd, ok := commandCodes[req.Type]
	if !ok {
		return clientproto.Response{ErrorCode: int32(types.ErrOther), Error: "unknown command"}
	}

	ev := events.Event{
		Kind:    events.KindService,
		Command: cmd,
		TaskId:  types.TaskId(req.TaskId),
		Reply:   make(chan events.Reply, 1),
	}
	if req.Config != nil {
		cfg := taskConfigFromDTO(*req.Config)
		ev.Config = &cfg
	}
	if req.Uid != nil {
		ev.Uid = *req.Uid
	}

	d.mgr.Queue().Send(ev)

	select {
	case r := <-ev.Reply:
		return clientproto.Response{ErrorCode: int32(r.Err), TaskId: uint32(r.TaskId), Rows: toRawRows(r.Rows)}
	case <-time.After(10 * time.Second):
		return clientproto.Response{ErrorCode: int32(types.ErrOther), Error: "timed out waiting for task manager"}
	}
}

func toRawRows(rows []byte) []byte {
	if len(rows) == 0 {
		return nil
	}
	return rows
}

func taskConfigFromDTO(dto clientproto.TaskConfigDTO) types.TaskConfig {
	action := types.ActionDownload
	if dto.Action == "upload" {
		action = types.ActionUpload
	}
	mode := types.ModeForeground
	switch dto.Mode {
	case "background":
		mode = types.ModeBackground
	case "any":
		mode = types.ModeAny
	}

	return types.TaskConfig{
		Uid:            dto.Uid,
		BundleName:     dto.BundleName,
		URL:            dto.URL,
		Method:         dto.Method,
		Action:         action,
		Mode:           mode,
		Priority:       dto.Priority,
		Title:          dto.Title,
		Description:    dto.Description,
		Retry:          dto.Retry,
		FollowRedirect: dto.FollowRedirect,
		FileSpecs: []types.FileSpec{
			{Path: dto.FilePath},
		},
	}
}
