package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/mimir/internal/heartbeat"
)

// collect reads frames from ch until it has been quiet for idle.
func collect(ch chan []byte, idle time.Duration) []string {
	var out []string
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, string(msg))
		case <-time.After(idle):
			return out
		}
	}
}

func eventTypes(frames []string) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		for _, line := range strings.Split(f, "\n") {
			if typ, ok := strings.CutPrefix(line, "event: "); ok {
				out = append(out, typ)
			}
		}
	}
	return out
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe(0)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishIndex_TypedAndThrottled(t *testing.T) {
	b := NewBroker(WithThrottle(FamilyIndex, time.Hour))
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishIndex("created", "a.md")
	b.PublishIndex("updated", "b.md")
	b.PublishIndex("deleted", "c.md")
	b.PublishIndex("unchanged", "d.md")

	frames := collect(ch, 100*time.Millisecond)
	want := []string{"index.created", "index.changed", "index.updated", "index.deleted"}
	if diff := cmp.Diff(want, eventTypes(frames)); diff != "" {
		t.Errorf("event types (-want +got):\n%s", diff)
	}
	if !strings.Contains(frames[0], `data: {"path":"a.md"}`) {
		t.Errorf("created frame = %q", frames[0])
	}
}

func TestThrottleIsPerFamily(t *testing.T) {
	b := NewBroker(
		WithThrottle(FamilyIndex, time.Hour),
		WithThrottle(FamilySession, time.Hour),
	)
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishIndex("created", "a.md")
	b.PublishSession("compacted", "01S", map[string]int{"dropped": 3})
	b.PublishIndex("updated", "a.md")
	b.PublishSession("compacted", "01S", nil)

	want := []string{
		"index.created", "index.changed",
		"session.compacted", "session.changed",
		"index.updated",
		"session.compacted",
	}
	if diff := cmp.Diff(want, eventTypes(collect(ch, 100*time.Millisecond))); diff != "" {
		t.Errorf("event types (-want +got):\n%s", diff)
	}
}

func TestThrottleDisabledForFamily(t *testing.T) {
	b := NewBroker(WithThrottle(FamilyIndex, 0))
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishIndex("created", "a.md")
	if diff := cmp.Diff([]string{"index.created"}, eventTypes(collect(ch, 100*time.Millisecond))); diff != "" {
		t.Errorf("event types (-want +got):\n%s", diff)
	}
}

func TestPublishSession_Payload(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishSession("compacted", "01SESSION", map[string]bool{"degraded": true})

	frames := collect(ch, 100*time.Millisecond)
	if len(frames) != 1 {
		t.Fatalf("frames = %q", frames)
	}
	if !strings.Contains(frames[0], `"session_id":"01SESSION"`) || !strings.Contains(frames[0], `"detail":{"degraded":true}`) {
		t.Errorf("frame = %q", frames[0])
	}
}

func TestHeartbeatTasksCoalesce(t *testing.T) {
	b := NewBroker(WithTaskCoalescing(time.Hour))
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventStarted, Data: map[string]string{"run_id": "r1"}})
	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventTask, Data: map[string]string{"description": "one"}})
	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventTask, Data: map[string]string{"description": "two"}})
	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventFinished, Data: map[string]string{"run_id": "r1"}})

	frames := collect(ch, 100*time.Millisecond)
	want := []string{heartbeat.EventStarted, EventTaskBatch, heartbeat.EventFinished}
	if diff := cmp.Diff(want, eventTypes(frames)); diff != "" {
		t.Fatalf("event types (-want +got):\n%s", diff)
	}
	if !strings.Contains(frames[1], `{"tasks":[{"description":"one"},{"description":"two"}]}`) {
		t.Errorf("batch frame = %q", frames[1])
	}
}

func TestHeartbeatTasksFlushAfterWindow(t *testing.T) {
	b := NewBroker(WithTaskCoalescing(30 * time.Millisecond))
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventTask, Data: map[string]string{"description": "lone"}})

	frames := collect(ch, 300*time.Millisecond)
	if diff := cmp.Diff([]string{EventTaskBatch}, eventTypes(frames)); diff != "" {
		t.Errorf("event types (-want +got):\n%s", diff)
	}
}

func TestHeartbeatTasksWithoutCoalescing(t *testing.T) {
	b := NewBroker(WithTaskCoalescing(0))
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventTask, Data: 1})
	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventTask, Data: 2})

	want := []string{heartbeat.EventTask, heartbeat.EventTask}
	if diff := cmp.Diff(want, eventTypes(collect(ch, 100*time.Millisecond))); diff != "" {
		t.Errorf("event types (-want +got):\n%s", diff)
	}
}

func TestReplayAfterLastEventID(t *testing.T) {
	b := NewBroker(WithThrottle(FamilyIndex, 0), WithReplay(2))
	defer b.Close()
	first := b.Subscribe(0)
	defer b.Unsubscribe(first)

	b.PublishIndex("created", "a.md")
	b.PublishIndex("created", "b.md")
	b.PublishIndex("created", "c.md")
	if n := len(collect(first, 100*time.Millisecond)); n != 3 {
		t.Fatalf("live subscriber got %d frames, want 3", n)
	}

	// Only the two most recent events are retained; the client saw id 1.
	late := b.Subscribe(1)
	defer b.Unsubscribe(late)
	frames := collect(late, 100*time.Millisecond)
	if len(frames) != 2 || !strings.HasPrefix(frames[0], "id: 2\n") || !strings.HasPrefix(frames[1], "id: 3\n") {
		t.Errorf("replayed frames = %q", frames)
	}

	fresh := b.Subscribe(0)
	defer b.Unsubscribe(fresh)
	if frames := collect(fresh, 50*time.Millisecond); len(frames) != 0 {
		t.Errorf("subscriber without Last-Event-ID got replay %q", frames)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(WithThrottle(FamilyIndex, 0))
	defer b.Close()
	b.PublishIndex("created", "missed.md")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Last-Event-ID", "0")
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventFinished, Data: map[string]string{"run_id": "01J"}})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "id: 2\nevent: heartbeat.finished") {
		t.Errorf("handler output missing event: %q", body)
	}
	if strings.Contains(body, "missed.md") {
		t.Errorf("Last-Event-ID 0 should not replay: %q", body)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestSSEHandler_ReplaysFromHeader(t *testing.T) {
	b := NewBroker(WithThrottle(FamilyIndex, 0))
	defer b.Close()
	b.PublishIndex("created", "a.md")
	b.PublishIndex("updated", "a.md")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if strings.Contains(body, "index.created") || !strings.Contains(body, "id: 2\nevent: index.updated") {
		t.Errorf("replay body = %q", body)
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	// Capacity is 64; publishing past it must not block the loop.
	for i := 0; i < 70; i++ {
		b.PublishSession("touched", "s", i)
	}
	if b.ClientCount() != 1 {
		t.Error("broker loop stalled")
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(WithTaskCoalescing(time.Hour))
	ch := b.Subscribe(0)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventTask, Data: "pending"})

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-ops after close.
	b.PublishHeartbeat(heartbeat.Event{Type: heartbeat.EventFinished})
	b.PublishIndex("updated", "a.md")
	b.PublishSession("compacted", "s", nil)
	if ch := b.Subscribe(0); ch == nil {
		t.Error("Subscribe after close returned nil")
	}
}
