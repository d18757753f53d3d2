package events

import (
	"strings"
	"sync"
)

// Wildcard is the special topic that receives every published event,
// regardless of topic, delivered last among a publish's listeners.
const Wildcard = "."

// Listener receives a published event. args are the values passed to
// Publish for that topic.
type Listener func(topic string, args ...interface{})

// Subscription is the handle returned by Subscribe/Once, passed back to
// Unsubscribe. Listeners aren't directly comparable in Go (closures
// have no stable identity), so Emitter hands out a token instead of
// spec.md's literal unsubscribe(topic, listener) signature.
type Subscription struct {
	id    uint64
	topic string
}

type subscriber struct {
	id       uint64
	listener Listener
	once     bool
}

type queuedEvent struct {
	topic string
	args  []interface{}
}

// defaultQueueCap is the bounded FIFO capacity from spec.md section 4.1:
// oldest events are dropped once a publish would exceed it.
const defaultQueueCap = 200

// Emitter is an asynchronous, single-threaded pub/sub dispatcher with
// dotted-hierarchy topic matching. Publish never blocks on delivery:
// events are appended to a bounded queue and drained by a dedicated
// loop goroutine, so listeners always run off the publisher's
// goroutine.
type Emitter struct {
	mu       sync.Mutex
	subs     map[string][]*subscriber
	nextID   uint64
	queue    []queuedEvent
	queueCap int
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

// New creates an Emitter and starts its dispatch loop.
func New() *Emitter {
	e := &Emitter{
		subs:     make(map[string][]*subscriber),
		queueCap: defaultQueueCap,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go e.loop()
	return e
}

// Subscribe registers listener against topic. Wildcard subscribes to
// every event; any other topic matches itself and any event whose
// topic begins with "<topic>.".
func (e *Emitter) Subscribe(topic string, listener Listener) *Subscription {
	return e.subscribe(topic, listener, false)
}

// Once behaves like Subscribe but auto-unsubscribes after its first
// delivery.
func (e *Emitter) Once(topic string, listener Listener) *Subscription {
	return e.subscribe(topic, listener, true)
}

func (e *Emitter) subscribe(topic string, listener Listener, once bool) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subs[topic] = append(e.subs[topic], &subscriber{id: id, listener: listener, once: once})
	return &Subscription{id: id, topic: topic}
}

// Unsubscribe removes a subscription. It is a no-op if sub was already
// removed (e.g. by a prior Once delivery).
func (e *Emitter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(sub.topic, sub.id)
}

func (e *Emitter) removeLocked(topic string, id uint64) {
	list := e.subs[topic]
	for i, s := range list {
		if s.id == id {
			e.subs[topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish enqueues topic for asynchronous delivery and returns
// immediately. If the queue is already at capacity, the oldest queued
// event is dropped to make room.
func (e *Emitter) Publish(topic string, args ...interface{}) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.queue) >= e.queueCap {
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, queuedEvent{topic: topic, args: args})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close drops all subscriptions and stops the dispatch loop. Events
// already queued are discarded.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.subs = make(map[string][]*subscriber)
	e.queue = nil
	e.mu.Unlock()
	close(e.done)
}

func (e *Emitter) loop() {
	for {
		select {
		case <-e.wake:
			e.drain()
		case <-e.done:
			return
		}
	}
}

func (e *Emitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.closed {
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.deliver(ev)
	}
}

// deliver dispatches one event to every matching subscriber, in the
// order spec.md section 4.1 requires: each dotted prefix of topic,
// shallowest first, then Wildcard.
func (e *Emitter) deliver(ev queuedEvent) {
	for _, prefix := range prefixesOf(ev.topic) {
		e.deliverTopic(prefix, ev)
	}
	if ev.topic != Wildcard {
		e.deliverTopic(Wildcard, ev)
	}
}

func (e *Emitter) deliverTopic(topic string, ev queuedEvent) {
	e.mu.Lock()
	subs := append([]*subscriber(nil), e.subs[topic]...)
	e.mu.Unlock()

	var fired []uint64
	for _, s := range subs {
		if e.invoke(topic, s, ev) && s.once {
			fired = append(fired, s.id)
		}
	}
	if len(fired) == 0 {
		return
	}
	e.mu.Lock()
	for _, id := range fired {
		e.removeLocked(topic, id)
	}
	e.mu.Unlock()
}

// invoke runs one listener, isolating the dispatch loop from a
// listener panic. A panicking listener is dropped: the caller treats a
// false return as "remove this subscription". topic is the key the
// subscriber is registered under, which may be a prefix of ev.topic.
func (e *Emitter) invoke(topic string, s *subscriber, ev queuedEvent) (ran bool) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.removeLocked(topic, s.id)
			e.mu.Unlock()
			ran = false
		}
	}()
	s.listener(ev.topic, ev.args...)
	return true
}

// prefixesOf splits "a.b.c" into ["a", "a.b", "a.b.c"].
func prefixesOf(topic string) []string {
	if topic == Wildcard {
		return []string{Wildcard}
	}
	parts := strings.Split(topic, ".")
	prefixes := make([]string, len(parts))
	cur := parts[0]
	prefixes[0] = cur
	for i := 1; i < len(parts); i++ {
		cur = cur + "." + parts[i]
		prefixes[i] = cur
	}
	return prefixes
}
