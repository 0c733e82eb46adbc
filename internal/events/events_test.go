package events

import (
	"testing"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)
	q.Send(Event{Kind: KindDevice, RssLevel: 1})
	q.Send(Event{Kind: KindDevice, RssLevel: 2})

	e1 := <-q.C()
	e2 := <-q.C()
	if e1.RssLevel != 1 || e2.RssLevel != 2 {
		t.Fatalf("expected FIFO order, got %d then %d", e1.RssLevel, e2.RssLevel)
	}
}

func TestBusSubscribeAndPublish(t *testing.T) {
	b := NewBus(4)
	ch := b.Subscribe(EvProgress)
	b.Publish(BusEvent{Type: EvProgress, TaskId: types.TaskId(1)})

	select {
	case ev := <-ch:
		if ev.TaskId != 1 {
			t.Errorf("got TaskId %d, want 1", ev.TaskId)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	b := NewBus(1)
	ch := b.Subscribe(EvError)
	b.Publish(BusEvent{Type: EvError})
	b.Publish(BusEvent{Type: EvError}) // buffer full, should drop not block

	if b.DroppedEventCount() == 0 {
		t.Error("expected a dropped event to be counted")
	}
	<-ch
}

func TestBusSubscribeAllSeesEveryType(t *testing.T) {
	b := NewBus(4)
	ch := b.SubscribeAll()
	b.Publish(BusEvent{Type: EvComplete})
	b.Publish(BusEvent{Type: EvStateChange})

	first := <-ch
	second := <-ch
	if first.Type != EvComplete || second.Type != EvStateChange {
		t.Fatal("SubscribeAll did not see both event types in order")
	}
}
