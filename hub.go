package blogapp

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// Op is the kind of change an Event reports.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Event reports one committed change to a keyed record. Subscribers re-read
// the record; events never carry data.
type Event struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Op         Op     `json:"op"`
	Origin     string `json:"origin,omitempty"`
	Remote     bool   `json:"-"`
}

// Relay carries events between processes that share one backend.
type Relay interface {
	Publish(ev Event) error
	Listen(fn func(Event)) (stop func())
}

// Hub fans committed events out to subscribers. Each subscription owns an
// unbounded queue drained by its own goroutine, so a slow or re-entrant
// callback never blocks the writer that published the event.
type Hub struct {
	origin string
	logger *log.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription

	relay     Relay
	stopRelay func()
	observe   func(Event)
}

// NewHub returns a Hub with a fresh origin id.
func NewHub() *Hub {
	return &Hub{
		origin: uuid.NewString(),
		logger: log.New("hub"),
		subs:   make(map[int]*subscription),
	}
}

// Origin identifies this process in relayed events.
func (h *Hub) Origin() string {
	return h.origin
}

// Subscribe registers fn for events in collection whose key starts with
// scope. An empty scope watches the whole collection. A delete also reaches
// subscribers whose scope lies beneath the deleted key. The returned func
// cancels the subscription; events still queued are dropped.
func (h *Hub) Subscribe(collection, scope string, fn func(Event)) func() {
	sub := &subscription{
		collection: collection,
		scope:      scope,
		fn:         fn,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	go sub.run()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.stop()
	}
}

// Publish delivers a locally committed event and forwards it to the relay.
func (h *Hub) Publish(ev Event) {
	ev.Origin = h.origin
	h.deliver(ev)

	h.mu.Lock()
	r := h.relay
	h.mu.Unlock()
	if r != nil {
		if err := r.Publish(ev); err != nil {
			h.logger.Warnf("relay publish %s/%s: %v", ev.Collection, ev.Key, err)
		}
	}
}

// AttachRelay starts forwarding events through r. observe, when set, sees
// every remote event before subscribers do.
func (h *Hub) AttachRelay(r Relay, observe func(Event)) {
	h.mu.Lock()
	h.relay = r
	h.observe = observe
	h.mu.Unlock()

	stop := r.Listen(h.receive)

	h.mu.Lock()
	h.stopRelay = stop
	h.mu.Unlock()
}

func (h *Hub) receive(ev Event) {
	if ev.Origin == h.origin {
		return
	}
	ev.Remote = true
	h.mu.Lock()
	observe := h.observe
	h.mu.Unlock()
	if observe != nil {
		observe(ev)
	}
	h.deliver(ev)
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	var targets []*subscription
	for _, sub := range h.subs {
		if sub.matches(ev) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.push(ev)
	}
}

// Close detaches the relay and cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	stop := h.stopRelay
	h.stopRelay = nil
	h.relay = nil
	subs := h.subs
	h.subs = make(map[int]*subscription)
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, sub := range subs {
		sub.stop()
	}
}

type subscription struct {
	collection string
	scope      string
	fn         func(Event)

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) matches(ev Event) bool {
	if ev.Collection != s.collection {
		return false
	}
	if strings.HasPrefix(ev.Key, s.scope) {
		return true
	}
	return ev.Op == OpDelete && strings.HasPrefix(s.scope, ev.Key)
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(ev)
			}
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}
