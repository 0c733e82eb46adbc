// Package events implements the Task Manager's internal event queue: the
// multi-producer, totally-ordered stream of Service/Task/State/Schedule/
// Device events described in spec.md §4.5, plus a general-purpose pub/sub
// bus used by components that only need fan-out (the Notifier, the
// Aggregator).
//
// Grounded on the teacher's internal/events/events.go: buffered channels,
// non-blocking publish with drop counting, Subscribe/SubscribeAll.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// Kind identifies the category of an Event, mirroring the five event
// families the Task Manager's event loop consumes (spec.md §4.5).
type Kind int

const (
	KindService Kind = iota
	KindTask
	KindState
	KindSchedule
	KindDevice
)

// ServiceCommand enumerates the commands accepted from clients (spec.md §6).
type ServiceCommand int

const (
	CmdConstruct ServiceCommand = iota
	CmdStart
	CmdPause
	CmdResume
	CmdStop
	CmdRemove
	CmdShow
	CmdQuery
	CmdTouch
	CmdSearch
	CmdQueryMimeType
	CmdGetTask
	CmdDumpAll
	CmdDumpOne
	CmdSubscribe
)

// ScheduleCommand enumerates the periodic/maintenance events (spec.md §4.5).
type ScheduleCommand int

const (
	SchedClearTimeoutTasks ScheduleCommand = iota
	SchedLogTasks
	SchedRestoreAllTasks
	SchedUnload
)

// Event is one item on the Task Manager's total order.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// Service
	Command ServiceCommand
	TaskId  types.TaskId
	Uid     uint64
	TokenId string
	Config  *types.TaskConfig
	Reply   chan Reply

	// Task
	FinishedUid types.TaskId

	// State
	NetworkChanged bool
	AppUid         uint64
	AppState       types.AppState

	// Schedule
	Sched ScheduleCommand

	// Device
	RssLevel int
}

// Reply is what a Service command reply channel carries back to the client.
type Reply struct {
	Err    types.ClientError
	TaskId types.TaskId
	Rows   []byte // caller-defined serialized payload, e.g. Show/Query results
}

// Queue is the Task Manager's single multi-producer event channel.
type Queue struct {
	ch chan Event
}

// NewQueue creates an unbounded-feeling queue with the given buffer size.
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{ch: make(chan Event, buffer)}
}

func (q *Queue) Send(e Event) {
	e.Timestamp = time.Now()
	q.ch <- e
}

func (q *Queue) C() <-chan Event { return q.ch }

// --- General-purpose pub/sub bus, for Notifier/Aggregator fan-out ---

// BusEventType identifies the kind of a Bus event.
type BusEventType int

const (
	EvProgress BusEventType = iota
	EvStateChange
	EvComplete
	EvError
	EvLog
)

// BusEvent is published on the Bus.
type BusEvent struct {
	Type      BusEventType
	TaskId    types.TaskId
	Timestamp time.Time
	Status    types.TaskStatus
	Progress  types.Progress
	Err       error
	Message   string
}

// Bus is a non-blocking pub/sub fan-out, grounded on
// internal/events/events.go's EventBus.
type Bus struct {
	mu            sync.RWMutex
	subscribers   map[BusEventType][]chan BusEvent
	all           []chan BusEvent
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64
}

const (
	busDefaultBuffer = 64
	busMaxBuffer     = 4096
)

// NewBus creates a Bus with the given per-subscriber channel buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = busDefaultBuffer
	}
	if bufferSize > busMaxBuffer {
		bufferSize = busMaxBuffer
	}
	return &Bus{
		subscribers: map[BusEventType][]chan BusEvent{},
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving only events of the given type.
func (b *Bus) Subscribe(t BusEventType) <-chan BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan BusEvent, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)
	return ch
}

// SubscribeAll returns a channel receiving every event type.
func (b *Bus) SubscribeAll() <-chan BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan BusEvent, b.bufferSize)
	b.all = append(b.all, ch)
	return ch
}

// Publish delivers ev to subscribers without blocking; a full subscriber
// channel drops the event and increments the drop counter rather than
// stalling the publisher.
func (b *Bus) Publish(ev BusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	ev.Timestamp = time.Now()
	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			b.droppedEvents.Add(1)
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- ev:
		default:
			b.droppedEvents.Add(1)
		}
	}
}

// DroppedEventCount returns the number of events dropped due to full
// subscriber buffers since the last reset.
func (b *Bus) DroppedEventCount() int64 { return b.droppedEvents.Load() }

// Close closes every subscriber channel; further Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subscribers {
		for _, ch := range list {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}
