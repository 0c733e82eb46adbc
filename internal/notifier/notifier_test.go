package notifier

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var wireBuf bytes.Buffer
	var ackBuf bytes.Buffer

	payload := EncodeNotifyData(uint32(events.EvProgress), types.TaskId(42), types.Progress{
		State:     types.StateRunning,
		Index:     0,
		Processed: []int64{100},
		Total:     1000,
		Sizes:     []int64{1000},
		Extras:    map[string]string{"etag": "abc"},
	}, types.ActionDownload, 1, nil)

	go func() {
		rw := combinedRW{readFrom: &ackBuf, writeTo: &wireBuf}
		WriteFrame(rw, 7, MsgNotifyData, payload)
	}()

	time.Sleep(20 * time.Millisecond)

	serverSide := combinedRW{readFrom: &wireBuf, writeTo: &ackBuf}
	msgID, typ, got, err := ReadFrame(serverSide)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgID != 7 {
		t.Errorf("msgID = %d, want 7", msgID)
	}
	if typ != MsgNotifyData {
		t.Errorf("type = %d, want MsgNotifyData", typ)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

// combinedRW reads from readFrom and writes to writeTo, letting a single
// pair of buffers stand in for a full-duplex connection in tests.
type combinedRW struct {
	readFrom *bytes.Buffer
	writeTo  *bytes.Buffer
}

func (c combinedRW) Read(p []byte) (int, error)  { return c.readFrom.Read(p) }
func (c combinedRW) Write(p []byte) (int, error) { return c.writeTo.Write(p) }

func TestEncodeHTTPResponseFields(t *testing.T) {
	payload := EncodeHTTPResponse(types.TaskId(5), "1.0", 200, "OK", map[string][]string{
		"Content-Type": {"text/plain"},
	})
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}
	if payload[0] != 5 {
		t.Errorf("task_id low byte = %d, want 5", payload[0])
	}
}

func TestEncodeNotifyDataTruncatesOversizedExtras(t *testing.T) {
	extras := map[string]string{}
	for i := 0; i < 2000; i++ {
		extras[string(rune('a'+i%26))+string(rune(i))] = "value-value-value-value"
	}
	p := types.Progress{Extras: extras}
	payload := EncodeNotifyData(uint32(events.EvProgress), 1, p, types.ActionDownload, 1, nil)

	var wireBuf, ackBuf bytes.Buffer
	go WriteFrame(combinedRW{readFrom: &ackBuf, writeTo: &wireBuf}, 1, MsgNotifyData, payload)
	time.Sleep(20 * time.Millisecond)

	_, _, got, err := ReadFrame(combinedRW{readFrom: &wireBuf, writeTo: &ackBuf})
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) > maxHeaderPayload {
		t.Errorf("payload not truncated: got %d bytes, want <= %d", len(got), maxHeaderPayload)
	}
}

func TestServerCoalescesProgressKeepsOtherEvents(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "notify.sock")

	bus := events.NewBus(64)
	srv, err := NewServer("unix", sockPath, bus, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Stop()
	go srv.Serve()

	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.BusEvent{Type: events.EvProgress, TaskId: 1, Progress: types.Progress{Processed: []int64{10}}})
	bus.Publish(events.BusEvent{Type: events.EvProgress, TaskId: 1, Progress: types.Progress{Processed: []int64{20}}})
	bus.Publish(events.BusEvent{Type: events.EvComplete, TaskId: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	seen := map[MsgType]int{}
	for i := 0; i < 2; i++ {
		_, typ, _, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("ReadFrame from server: %v", err)
		}
		seen[typ]++
	}
	if seen[MsgNotifyData] == 0 {
		t.Error("expected at least one NotifyData frame")
	}
}
