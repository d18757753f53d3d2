package hub

import (
	"sync"

	"github.com/gaffer-run/gaffer/pkg/manager"
	"github.com/gaffer-run/gaffer/pkg/metrics"
)

// Hub is the reference-counted topic fan-out in front of the Manager's
// event emitter and process monitors (spec section 4.5).
type Hub struct {
	manager *manager.Manager
	authz   Authorizer

	mu     sync.Mutex
	topics map[string]*activation
	subs   map[string]subscribers
}

// subscribers is the set of per-client listeners currently attached to
// one topic address.
type subscribers map[*Subscription]bool

// New creates a Hub bound to mgr. If authz is nil, AllowAll is used.
func New(mgr *manager.Manager, authz Authorizer) *Hub {
	if authz == nil {
		authz = AllowAll{}
	}
	return &Hub{
		manager: mgr,
		authz:   authz,
		topics:  make(map[string]*activation),
		subs:    make(map[string]subscribers),
	}
}

// Subscribe activates addr (parsed per spec section 4.5) if this is
// its first subscriber, and registers deliver against it. The returned
// handle must be passed to Unsubscribe exactly once.
func (h *Hub) Subscribe(addr string, deliver func(topic string, args ...interface{})) (*Subscription, error) {
	key := parseTopicKey(addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	act, ok := h.topics[addr]
	if !ok {
		deactiv, err := activateTopic(h.manager, h.authz, key, func(topic string, args ...interface{}) {
			h.broadcast(addr, topic, args...)
		})
		if err != nil {
			return nil, err
		}
		act = &activation{deactiv: deactiv}
		h.topics[addr] = act
		metrics.HubSubscriptionsActive.WithLabelValues(key.source).Inc()
	}
	act.refs++

	sub := &Subscription{addr: addr, listener: deliver}
	h.listeners(addr)[sub] = true
	return sub, nil
}

func (h *Hub) listeners(addr string) subscribers {
	if h.subs == nil {
		h.subs = make(map[string]subscribers)
	}
	s, ok := h.subs[addr]
	if !ok {
		s = make(subscribers)
		h.subs[addr] = s
	}
	return s
}

func (h *Hub) broadcast(addr, topic string, args ...interface{}) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[addr]))
	for sub := range h.subs[addr] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.listener(topic, args...)
	}
}

// Unsubscribe decrements addr's ref-count, deactivating the underlying
// monitor on the last unsubscribe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[sub.addr], sub)

	act, ok := h.topics[sub.addr]
	if !ok {
		return
	}
	act.refs--
	if act.refs <= 0 {
		act.deactiv()
		delete(h.topics, sub.addr)
		key := parseTopicKey(sub.addr)
		metrics.HubSubscriptionsActive.WithLabelValues(key.source).Dec()
	}
}

// Subscription is the handle returned by Hub.Subscribe.
type Subscription struct {
	addr     string
	listener func(topic string, args ...interface{})
}
