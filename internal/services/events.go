package services

import (
	"sync"
	"time"
)

// EventType names what an Event reports.
type EventType string

const (
	EventDocumentChanged EventType = "document_changed"
	EventStatusChanged   EventType = "status_changed"
	EventSyncError       EventType = "sync_error"
)

// ChangeReason tells observers where a document change came from.
type ChangeReason string

const (
	ReasonLocal  ChangeReason = "local"
	ReasonRemote ChangeReason = "remote"
	ReasonReset  ChangeReason = "reset"
)

// Event is delivered to observers in the order the coordinator produced it.
type Event struct {
	Type     EventType    `json:"type"`
	Reason   ChangeReason `json:"reason,omitempty"`
	Status   Status       `json:"status"`
	Revision int64        `json:"revision"`
	Err      error        `json:"-"`
	At       time.Time    `json:"at"`
}

// watcher buffers events without bound and delivers them on its own
// goroutine so the event loop never waits for an observer.
type watcher struct {
	mu     sync.Mutex
	queue  []Event
	ending bool
	signal chan struct{}
	done   chan struct{}
	out    chan Event
	once   sync.Once
}

func newWatcher() *watcher {
	w := &watcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go w.run()
	return w
}

func (w *watcher) run() {
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			ending := w.ending
			w.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-w.signal:
				continue
			case <-w.done:
				return
			}
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- ev:
		case <-w.done:
			return
		}
	}
}

func (w *watcher) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// finish delivers what is queued, then closes the channel.
func (w *watcher) finish() {
	w.mu.Lock()
	w.ending = true
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.done) })
}

// watchers is the set of live observers.
type watchers struct {
	mu     sync.Mutex
	next   int
	subs   map[int]*watcher
	closed bool
}

func (ws *watchers) add() (<-chan Event, func()) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.subs == nil {
		ws.subs = make(map[int]*watcher)
	}
	w := newWatcher()
	if ws.closed {
		w.finish()
		return w.out, w.close
	}
	id := ws.next
	ws.next++
	ws.subs[id] = w
	return w.out, func() {
		ws.mu.Lock()
		delete(ws.subs, id)
		ws.mu.Unlock()
		w.close()
	}
}

func (ws *watchers) reopen() {
	ws.mu.Lock()
	ws.closed = false
	ws.mu.Unlock()
}

func (ws *watchers) emit(ev Event) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.subs {
		w.push(ev)
	}
}

func (ws *watchers) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.closed = true
	for id, w := range ws.subs {
		w.finish()
		delete(ws.subs, id)
	}
}
