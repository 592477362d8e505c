package dispatch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/models"
	"github.com/good-yellow-bee/blazecatch/internal/stormguard"
)

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func TestBus_FanOutAndSequence(t *testing.T) {
	bus := NewBus(nil)
	a, b := &recorder{}, &recorder{}
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.Publish(&EventCreated{Header: Header{SessionID: "s1"}, Event: &models.ErrorEvent{ID: "e1"}})
	bus.Publish(&EventEvicted{Header: Header{SessionID: "s1"}, ID: "e1"})

	if a.len() != 2 || b.len() != 2 {
		t.Fatalf("a=%d b=%d", a.len(), b.len())
	}
	if SeqOf(a.notices[0]) != 1 || SeqOf(a.notices[1]) != 2 {
		t.Errorf("seq = %d, %d", SeqOf(a.notices[0]), SeqOf(a.notices[1]))
	}
	if a.notices[1].NoticeType() != TypeEventEvicted {
		t.Errorf("type = %s", a.notices[1].NoticeType())
	}
}

func TestBus_PanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(SubscriberFunc(func(Notice) { panic("consumer bug") }))
	rec := &recorder{}
	bus.Subscribe(rec)

	bus.Publish(&StorageWarning{Header: Header{SessionID: "s"}, Op: "pin", Message: "disk full"})

	if rec.len() != 1 {
		t.Fatal("subscriber after a panicking one did not receive the notice")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	unsubscribe := bus.Subscribe(rec)

	unsubscribe()
	unsubscribe()
	bus.Publish(&EventEvicted{ID: "x"})

	if rec.len() != 0 || bus.Len() != 0 {
		t.Errorf("received=%d subscribers=%d", rec.len(), bus.Len())
	}
}

func TestChannelSubscriber_NonBlocking(t *testing.T) {
	bus := NewBus(nil)
	ch := NewChannelSubscriber(1, "s1")
	defer ch.Close()
	bus.Subscribe(ch)

	bus.Publish(&EventEvicted{Header: Header{SessionID: "other"}, ID: "skip"})
	bus.Publish(&EventEvicted{Header: Header{SessionID: "s1"}, ID: "a"})
	bus.Publish(&EventEvicted{Header: Header{SessionID: "s1"}, ID: "b"})

	select {
	case n := <-ch.C():
		if got := n.(*EventEvicted).ID; got != "a" {
			t.Errorf("got %s, want a", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notice delivered")
	}
	if ch.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", ch.Dropped())
	}
}

func TestChannelSubscriber_NotifyAfterClose(t *testing.T) {
	ch := NewChannelSubscriber(1, "")
	ch.Close()
	ch.Close()
	ch.Notify(&EventEvicted{ID: "late"})

	if _, ok := <-ch.C(); ok {
		t.Error("closed subscriber delivered a notice")
	}
}

func TestMarshal(t *testing.T) {
	n := &SuppressionNotice{
		Header: Header{SessionID: "s1", Seq: 4},
		Notice: stormguard.Notice{SuppressedCount: 12},
	}
	data, err := Marshal(n)
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "suppression" {
		t.Errorf("type = %q", decoded.Type)
	}
	if decoded.Payload["suppressed_count"] != float64(12) || decoded.Payload["session_id"] != "s1" {
		t.Errorf("payload = %v", decoded.Payload)
	}
}

func TestChannelSubscriber_GlobalNoticesReachSessionStreams(t *testing.T) {
	bus := NewBus(nil)
	ch := NewChannelSubscriber(4, "s1")
	defer ch.Close()
	bus.Subscribe(ch)

	bus.Publish(&StorageWarning{Op: "settings", Message: "disk full"})

	select {
	case n := <-ch.C():
		if n.NoticeType() != TypeStorageWarning {
			t.Errorf("got %s, want storage_warning", n.NoticeType())
		}
	case <-time.After(time.Second):
		t.Fatal("global notice not delivered")
	}
}
