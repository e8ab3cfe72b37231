// Package sse streams index, heartbeat and session events to HTTP clients as
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/mimir/internal/heartbeat"
)

// Event families. The family of an event is the prefix of its type before the dot.
const (
	FamilyIndex     = "index"
	FamilyHeartbeat = "heartbeat"
	FamilySession   = "session"
)

// Broker defaults.
const (
	DefaultThrottle = 2 * time.Second
	DefaultCoalesce = 250 * time.Millisecond
	DefaultReplay   = 128
)

// EventTaskBatch carries heartbeat.task results collected during one coalescing window.
const EventTaskBatch = "heartbeat.tasks"

// Event is one message for subscribers. ID is assigned by the broker.
type Event struct {
	ID   uint64 `json:"-"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Family returns the event family, e.g. "index" for "index.updated".
func (e Event) Family() string {
	family, _, _ := strings.Cut(e.Type, ".")
	return family
}

// IndexEvent is the payload of index.created, index.updated and index.deleted.
type IndexEvent struct {
	Path string `json:"path"`
}

// SessionEvent is the payload of session.* events.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Detail    any    `json:"detail,omitempty"`
}

// TaskBatch is the payload of heartbeat.tasks.
type TaskBatch struct {
	Tasks []any `json:"tasks"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithThrottle emits "<family>.changed" after events of family, at most once per d.
// Index changes are throttled at DefaultThrottle unless overridden; d <= 0 turns the
// summary event off for family.
func WithThrottle(family string, d time.Duration) Option {
	return func(b *Broker) {
		if d <= 0 {
			delete(b.throttle, family)
			return
		}
		b.throttle[family] = d
	}
}

// WithTaskCoalescing collects heartbeat.task events arriving within d into one
// heartbeat.tasks event. d <= 0 forwards every task event as is.
func WithTaskCoalescing(d time.Duration) Option {
	return func(b *Broker) { b.coalesce = d }
}

// WithReplay keeps the last n events for clients reconnecting with Last-Event-ID.
func WithReplay(n int) Option {
	return func(b *Broker) { b.replay = max(n, 0) }
}

type subscription struct {
	ch    chan []byte
	after uint64
}

type frame struct {
	id  uint64
	raw []byte
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, replay history, per-family throttle timestamps, pending task batch).
// Public methods communicate with this loop through channels, so no mutexes are required.
type Broker struct {
	throttle map[string]time.Duration
	coalesce time.Duration
	replay   int

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker and starts its event loop. Call Close to stop it.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		throttle:      map[string]time.Duration{FamilyIndex: DefaultThrottle},
		coalesce:      DefaultCoalesce,
		replay:        DefaultReplay,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	var (
		clients     = make(map[chan []byte]struct{})
		history     []frame
		nextID      uint64
		lastChanged = make(map[string]time.Time)

		tasks  []any
		flushT *time.Timer
		flushC <-chan time.Time
	)

	send := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		nextID++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", nextID, event.Type, payload))

		if b.replay > 0 {
			history = append(history, frame{id: nextID, raw: raw})
			if len(history) > b.replay {
				history = history[len(history)-b.replay:]
			}
		}
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	flushTasks := func() {
		if flushT != nil {
			flushT.Stop()
			flushT, flushC = nil, nil
		}
		if len(tasks) == 0 {
			return
		}
		send(Event{Type: EventTaskBatch, Data: TaskBatch{Tasks: tasks}})
		tasks = nil
	}

	summarise := func(family string) {
		d, ok := b.throttle[family]
		if !ok {
			return
		}
		now := time.Now()
		if now.Sub(lastChanged[family]) >= d {
			lastChanged[family] = now
			send(Event{Type: family + ".changed", Data: struct{}{}})
		}
	}

	for {
		select {
		case <-b.stopCh:
			if flushT != nil {
				flushT.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = struct{}{}
			if sub.after == 0 {
				continue
			}
			for _, f := range history {
				if f.id <= sub.after {
					continue
				}
				select {
				case sub.ch <- f.raw:
				default:
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case <-flushC:
			flushT, flushC = nil, nil
			flushTasks()

		case event := <-b.publishCh:
			family := event.Family()
			if event.Type == heartbeat.EventTask && b.coalesce > 0 {
				tasks = append(tasks, event.Data)
				if flushC == nil {
					flushT = time.NewTimer(b.coalesce)
					flushC = flushT.C
				}
				continue
			}
			if family == FamilyHeartbeat {
				// Task results precede the event that ends their run.
				flushTasks()
			}
			send(event)
			if event.Type != family+".changed" {
				summarise(family)
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel. Events retained for replay
// with an ID above lastEventID are delivered first; 0 means live events only.
func (b *Broker) Subscribe(lastEventID uint64) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, after: lastEventID}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishIndex publishes a watcher change. kind is "created", "updated" or
// "deleted"; other kinds are ignored.
func (b *Broker) PublishIndex(kind, path string) {
	switch kind {
	case "created", "updated", "deleted":
		b.Publish(Event{Type: FamilyIndex + "." + kind, Data: IndexEvent{Path: path}})
	}
}

// PublishHeartbeat forwards a scheduler event.
func (b *Broker) PublishHeartbeat(ev heartbeat.Event) {
	b.Publish(Event{Type: ev.Type, Data: ev.Data})
}

// PublishSession publishes session.<kind> for sessionID.
func (b *Broker) PublishSession(kind, sessionID string, detail any) {
	b.Publish(Event{Type: FamilySession + "." + kind, Data: SessionEvent{SessionID: sessionID, Detail: detail}})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). A Last-Event-ID header
// replays retained events the client missed.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(lastID)
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
