// Package notifier implements the Client Notifier (C6): a per-subscriber
// datagram channel that coalesces pending progress events and relays them
// over the fixed binary framing of spec.md §6.
//
// Grounded on the teacher's internal/ipc/server_unix.go accept-loop and
// per-connection-goroutine shape, adapted from newline-delimited JSON to
// the spec's fixed `magic|msg_id|type|length|payload` header; the
// coalescing writer loop is grounded on internal/transfer/queue.go's
// batch-ticker pattern (drain pending state, republish at a cadence) and
// on events.Bus's non-blocking-publish-with-drop-count discipline.
package notifier

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/logging"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// Magic is the fixed frame preamble (spec.md §6).
const Magic uint32 = 0x43434646

// MsgType identifies a frame's payload shape.
type MsgType uint16

const (
	MsgHTTPResponse MsgType = 0
	MsgNotifyData   MsgType = 1
)

// maxHeaderPayload bounds a NotifyData/HttpResponse body; larger bodies
// are truncated per spec.md §6.
const maxHeaderPayload = 8 * 1024

// WriteFrame writes one `magic|msg_id|type|length|payload` frame and
// blocks for the 4-byte length-echo acknowledgement spec.md §6 requires.
func WriteFrame(rw io.ReadWriter, msgID uint32, typ MsgType, payload []byte) error {
	if len(payload) > maxHeaderPayload {
		payload = payload[:maxHeaderPayload]
	}
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], msgID)
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(typ))
	binary.LittleEndian.PutUint16(hdr[10:12], uint16(len(payload)))

	if _, err := rw.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := rw.Write(payload); err != nil {
			return err
		}
	}

	ack := make([]byte, 4)
	if _, err := io.ReadFull(rw, ack); err != nil {
		return fmt.Errorf("waiting for length ack: %w", err)
	}
	if binary.LittleEndian.Uint32(ack) != uint32(len(payload)) {
		return errors.New("notifier: length ack mismatch")
	}
	return nil
}

// ReadFrame reads one frame header+payload and echoes the length ack.
func ReadFrame(rw io.ReadWriter) (msgID uint32, typ MsgType, payload []byte, err error) {
	hdr := make([]byte, 12)
	if _, err = io.ReadFull(rw, hdr); err != nil {
		return
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != Magic {
		err = errors.New("notifier: bad magic")
		return
	}
	msgID = binary.LittleEndian.Uint32(hdr[4:8])
	typ = MsgType(binary.LittleEndian.Uint16(hdr[8:10]))
	length := binary.LittleEndian.Uint16(hdr[10:12])

	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(rw, payload); err != nil {
			return
		}
	}
	ack := make([]byte, 4)
	binary.LittleEndian.PutUint32(ack, uint32(length))
	_, err = rw.Write(ack)
	return
}

// EncodeHTTPResponse builds an HttpResponse payload: task_id(4) |
// version\0 | status(4) | reason\0 | (name: v1,v2\n)*.
func EncodeHTTPResponse(taskId types.TaskId, version string, status int32, reason string, headers map[string][]string) []byte {
	var b []byte
	b = appendU32(b, uint32(taskId))
	b = appendCString(b, version)
	b = appendU32(b, uint32(status))
	b = appendCString(b, reason)
	for name, values := range headers {
		line := name + ": "
		for i, v := range values {
			if i > 0 {
				line += ","
			}
			line += v
		}
		line += "\n"
		b = append(b, line...)
	}
	return b
}

// EncodeNotifyData builds a NotifyData payload per spec.md §6's exact
// field order.
func EncodeNotifyData(subscribeType uint32, taskId types.TaskId, p types.Progress, action types.Action, version uint32, fileFailures []FileFailure) []byte {
	var b []byte
	b = appendU32(b, subscribeType)
	b = appendU32(b, uint32(taskId))
	b = appendU32(b, uint32(p.State))
	b = appendU32(b, uint32(p.Index))
	b = appendU64(b, uint64(p.TotalProcessed()))
	b = appendU64(b, uint64(p.Total))

	b = appendU32(b, uint32(len(p.Sizes)))
	for _, s := range p.Sizes {
		b = appendU64(b, uint64(s))
	}

	b = appendU32(b, uint32(len(p.Extras)))
	for k, v := range p.Extras {
		b = appendCString(b, k)
		b = appendCString(b, v)
	}

	b = appendU32(b, uint32(action))
	b = appendU32(b, version)

	b = appendU32(b, uint32(len(fileFailures)))
	for _, f := range fileFailures {
		b = appendCString(b, f.Path)
		b = appendU32(b, uint32(f.Reason))
		b = appendCString(b, f.Message)
	}
	return b
}

// FileFailure is one entry of NotifyData's trailing per-file failure list.
type FileFailure struct {
	Path    string
	Reason  types.Reason
	Message string
}

func appendU32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}

func appendU64(b []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(b, tmp...)
}

func appendCString(b []byte, s string) []byte {
	return append(append(b, s...), 0)
}

// subscriber holds one client's pending-event coalescing queue: the
// latest Progress event replaces any previous one, but every other event
// type is preserved in arrival order (spec.md §6).
type subscriber struct {
	conn net.Conn
	mu   sync.Mutex
	cond *sync.Cond

	pendingProgress *events.BusEvent
	other           []events.BusEvent
	closed          bool

	msgSeq uint32
}

// Server accepts subscriber connections on a Unix socket and relays bus
// events to each, coalesced per spec.md §6.
type Server struct {
	listener net.Listener
	bus      *events.Bus
	log      *logging.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// NewServer listens on network/address (typically "unix", socketPath).
func NewServer(network, address string, bus *events.Bus, log *logging.Logger) (*Server, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener:    ln,
		bus:         bus,
		log:         log,
		subscribers: map[*subscriber]struct{}{},
	}, nil
}

// Serve accepts subscriber connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener and every subscriber connection.
func (s *Server) Stop() error {
	err := s.listener.Close()
	s.mu.Lock()
	for sub := range s.subscribers {
		sub.close()
	}
	s.mu.Unlock()
	return err
}

func (sb *subscriber) close() {
	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		return
	}
	sb.closed = true
	sb.mu.Unlock()
	sb.conn.Close()
	sb.cond.Broadcast()
}

func (s *Server) handleConn(conn net.Conn) {
	sub := &subscriber{conn: conn}
	sub.cond = sync.NewCond(&sub.mu)

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		conn.Close()
	}()

	all := s.bus.SubscribeAll()
	go func() {
		for ev := range all {
			sub.enqueue(ev)
		}
	}()

	sub.writeLoop(s.log)
}

func (sb *subscriber) enqueue(ev events.BusEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return
	}
	if ev.Type == events.EvProgress {
		e := ev
		sb.pendingProgress = &e
	} else {
		sb.other = append(sb.other, ev)
	}
	sb.cond.Signal()
}

// writeLoop drains pending events and writes frames, blocking only on the
// write side; a send error closes the subscriber.
func (sb *subscriber) writeLoop(log *logging.Logger) {
	w := bufio.NewWriter(sb.conn)
	for {
		sb.mu.Lock()
		for sb.pendingProgress == nil && len(sb.other) == 0 && !sb.closed {
			sb.cond.Wait()
		}
		if sb.closed {
			sb.mu.Unlock()
			return
		}
		progress := sb.pendingProgress
		other := sb.other
		sb.pendingProgress = nil
		sb.other = nil
		sb.mu.Unlock()

		for _, ev := range other {
			if err := sb.send(w, ev); err != nil {
				if log != nil {
					log.Warn().Err(err).Msg("notifier: send dropped, closing subscriber")
				}
				sb.close()
				return
			}
		}
		if progress != nil {
			if err := sb.send(w, *progress); err != nil {
				if log != nil {
					log.Warn().Err(err).Msg("notifier: send dropped, closing subscriber")
				}
				sb.close()
				return
			}
		}
		w.Flush()
	}
}

// connRW writes through the subscriber's buffered writer but reads the
// length ack straight off the connection.
type connRW struct {
	io.Reader
	io.Writer
}

func (sb *subscriber) send(w *bufio.Writer, ev events.BusEvent) error {
	sb.msgSeq++
	payload := EncodeNotifyData(uint32(ev.Type), ev.TaskId, ev.Progress, types.ActionAny, 1, nil)
	if err := WriteFrame(connRW{sb.conn, w}, sb.msgSeq, MsgNotifyData, payload); err != nil {
		return err
	}
	return w.Flush()
}
