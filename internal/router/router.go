package router

import (
	"sync"

	"github.com/nyxlabs/nyxmq/internal/protocol"
)

// Router owns the subscription trie and the retained-message store. It is
// topic/session-id oriented
// only — it never looks up a session.Session or a handler.Handler, so it
// has no dependency on either package; the broker wires Router's output
// (sessionID -> granted QoS) back to the session store.
type Router struct {
	mu       sync.Mutex
	trie     *Trie
	retained *retainedStore
	filters  map[string]map[string]bool // sessionID -> set of filters held
}

// New returns an empty router.
func New() *Router {
	return &Router{
		trie:     NewTrie(),
		retained: newRetainedStore(),
		filters:  make(map[string]map[string]bool),
	}
}

// Subscribe installs sessionID's subscription to filter, capped at
// brokerMaxQoS, and returns the granted QoS for the SUBACK; replaces max_qos on resubscription).
func (r *Router) Subscribe(sessionID, filter string, requestedQoS, brokerMaxQoS protocol.QoS) protocol.QoS {
	granted := requestedQoS
	if granted > brokerMaxQoS {
		granted = brokerMaxQoS
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trie.Insert(sessionID, filter, granted)
	if r.filters[sessionID] == nil {
		r.filters[sessionID] = make(map[string]bool)
	}
	r.filters[sessionID][filter] = true
	return granted
}

// Unsubscribe removes sessionID's subscription to filter, pruning empty
// trie branches.
func (r *Router) Unsubscribe(sessionID, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trie.Remove(sessionID, filter)
	delete(r.filters[sessionID], filter)
}

// RemoveSession drops every subscription sessionID holds, e.g. when a
// clean session disconnects or a persistent session is destroyed.
func (r *Router) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for filter := range r.filters[sessionID] {
		r.trie.Remove(sessionID, filter)
	}
	delete(r.filters, sessionID)
}

// Route returns, for every session with at least one subscription matching
// pub.Topic, the maximum granted QoS among those matches. The caller
// computes each delivery's effective QoS as min(pub.QoS, maxQoS).
func (r *Router) Route(pub *protocol.PublishPacket) map[string]protocol.QoS {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trie.Match(pub.Topic)
}

// HandleRetain updates the retained store: the store is
// updated before the publish is acknowledged, regardless of retain's
// effect on live routing.
func (r *Router) HandleRetain(pub *protocol.PublishPacket) {
	if !pub.Retain {
		return
	}
	r.retained.handle(pub)
}

// RetainedFor enumerates retained messages whose topics match filter,
// each capped to min(retained.QoS, maxQoS), for replay on a fresh
// subscription.
func (r *Router) RetainedFor(filter string, maxQoS protocol.QoS) []*protocol.PublishPacket {
	matches := r.retained.matching(filter)
	out := make([]*protocol.PublishPacket, 0, len(matches))
	for _, m := range matches {
		qos := m.QoS
		if qos > maxQoS {
			qos = maxQoS
		}
		out = append(out, &protocol.PublishPacket{
			Topic:   m.Topic,
			Payload: m.Payload,
			QoS:     qos,
			Retain:  true,
		})
	}
	return out
}

// RetainedCount reports the number of concrete topics currently holding a
// retained message, for metrics/$SYS.
func (r *Router) RetainedCount() int { return r.retained.count() }
