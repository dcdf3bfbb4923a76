package broker

import (
	"context"
	"log"

	"github.com/nyxlabs/nyxmq/internal/handler"
	"github.com/nyxlabs/nyxmq/internal/metrics"
	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/session"
	"github.com/nyxlabs/nyxmq/internal/store"
)

// Broker implements handler.Dispatcher, the narrow surface each connection's
// handler needs without importing router or session directly.
var _ handler.Dispatcher = (*Broker)(nil)

// Authorize runs the topic-check plugin vote for action on topic.
func (b *Broker) Authorize(ctx context.Context, clientID, topic string, action plugin.Action) bool {
	return b.bus.TopicFilter(ctx, clientID, topic, action)
}

// Publish routes pub, arriving from the client owning from, to every
// matching subscriber and updates the retained store. The retained store
// (and its durable copy, when a backend is attached) is updated before any
// fan-out, so it is settled by the time the caller acknowledges the
// publish.
func (b *Broker) Publish(from *session.Session, pub *protocol.PublishPacket) {
	b.router.HandleRetain(pub)
	b.persistRetain(pub)
	metrics.MessagesReceived.WithLabelValues("PUBLISH").Inc()
	b.bus.Fire(plugin.EventMessageReceived, plugin.Payload{ClientID: from.ClientID, Topic: pub.Topic, QoS: byte(pub.QoS)})

	matches := b.router.Route(pub)
	for sessionID, maxQoS := range matches {
		sess, ok := b.sessions.Get(sessionID)
		if !ok {
			continue
		}
		if !b.bus.TopicFilter(context.Background(), sessionID, pub.Topic, plugin.ActionReceive) {
			continue
		}
		effectiveQoS := pub.QoS
		if effectiveQoS > maxQoS {
			effectiveQoS = maxQoS
		}
		out := &protocol.PublishPacket{
			Topic:   pub.Topic,
			Payload: pub.Payload,
			QoS:     effectiveQoS,
			Retain:  false,
		}
		b.deliverToSession(sess, out)
	}
}

// deliverToSession hands out to sess's attached handler if connected,
// otherwise queues it on the session for replay on reconnect.
func (b *Broker) deliverToSession(sess *session.Session, out *protocol.PublishPacket) {
	if !sess.Connected() {
		if sess.Enqueue(out) {
			metrics.QueueOverflows.WithLabelValues(qosLabel(out.QoS)).Inc()
		}
		return
	}

	b.mu.Lock()
	h := b.handlers[sess.ClientID]
	b.mu.Unlock()
	if h == nil {
		sess.Enqueue(out)
		return
	}
	h.DeliverPublish(out)
	metrics.MessagesSent.WithLabelValues("PUBLISH").Inc()
}

// PublishSystem injects a broker-originated retained message without attributing it to any client session.
func (b *Broker) PublishSystem(topic string, payload []byte, retain bool) {
	pub := &protocol.PublishPacket{Topic: topic, Payload: payload, QoS: protocol.QoS0, Retain: retain}
	b.router.HandleRetain(pub)
	b.persistRetain(pub)
	matches := b.router.Route(pub)
	for sessionID, maxQoS := range matches {
		sess, ok := b.sessions.Get(sessionID)
		if !ok {
			continue
		}
		effectiveQoS := pub.QoS
		if effectiveQoS > maxQoS {
			effectiveQoS = maxQoS
		}
		b.deliverToSession(sess, &protocol.PublishPacket{Topic: topic, Payload: payload, QoS: effectiveQoS})
	}
}

// persistRetain writes a retained-store change through to the attached
// backend, mirroring the in-memory last-writer-wins/empty-clears rules.
func (b *Broker) persistRetain(pub *protocol.PublishPacket) {
	if b.backend == nil || !pub.Retain {
		return
	}
	var err error
	if len(pub.Payload) == 0 {
		err = b.backend.DeleteRetained(pub.Topic)
	} else {
		err = b.backend.SaveRetained(&store.RetainedMessage{Topic: pub.Topic, Payload: pub.Payload, QoS: byte(pub.QoS)})
	}
	if err != nil {
		log.Printf("broker: persist retained %q: %v", pub.Topic, err)
	}
}

// persistSession snapshots a persistent session to the attached backend.
func (b *Broker) persistSession(s *session.Session) {
	if b.backend == nil {
		return
	}
	snap := &store.SessionSnapshot{ClientID: s.ClientID}
	for _, sub := range s.SubscriptionList() {
		snap.Subscriptions = append(snap.Subscriptions, store.Subscription{Filter: sub.Filter, QoS: byte(sub.MaxQoS)})
	}
	for _, m := range s.QueuedSnapshot() {
		snap.Queued = append(snap.Queued, store.Message{Topic: m.Topic, Payload: m.Payload, QoS: byte(m.QoS)})
	}
	if err := b.backend.SaveSession(snap); err != nil {
		log.Printf("broker: persist session %q: %v", s.ClientID, err)
	}
}

func qosLabel(q protocol.QoS) string {
	switch q {
	case protocol.QoS1:
		return "1"
	case protocol.QoS2:
		return "2"
	default:
		return "0"
	}
}

// Subscribe installs filter for s and returns the granted QoS plus any
// retained messages that must be replayed immediately.
func (b *Broker) Subscribe(s *session.Session, sub protocol.Subscription) (protocol.QoS, []*protocol.PublishPacket) {
	granted := b.router.Subscribe(s.ClientID, sub.Filter, sub.QoS, protocol.QoS(b.cfg.QoS.MaxQoS))
	s.SetSubscription(session.Subscription{Filter: sub.Filter, MaxQoS: granted})
	metrics.SubscriptionsActive.Inc()
	retained := b.router.RetainedFor(sub.Filter, granted)
	return granted, retained
}

// Unsubscribe removes filter from s and from the router.
func (b *Broker) Unsubscribe(s *session.Session, filter string) {
	b.router.Unsubscribe(s.ClientID, filter)
	s.RemoveSubscription(filter)
	metrics.SubscriptionsActive.Dec()
}

// Terminate is called exactly once when a handler's run loop exits: it
// detaches the session, dispatches the will message on abnormal
// termination, and destroys clean sessions.
func (b *Broker) Terminate(h *handler.Handler, s *session.Session, abnormal bool) {
	s.DetachIf(h)

	b.mu.Lock()
	if b.handlers[s.ClientID] == h {
		delete(b.handlers, s.ClientID)
	}
	b.mu.Unlock()

	if abnormal && s.Will != nil {
		will := s.Will
		b.Publish(s, &protocol.PublishPacket{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     will.QoS,
			Retain:  will.Retain,
		})
	}

	reason := "disconnect"
	if abnormal {
		reason = "abnormal termination"
	}
	b.bus.Fire(plugin.EventClientDisconnected, plugin.Payload{ClientID: s.ClientID, Reason: reason})

	if s.Clean {
		// Skip router cleanup if a successor session already replaced us
		// under this client id; its subscriptions share our key and were
		// installed after ours were cleared at CONNECT time.
		if cur, ok := b.sessions.Get(s.ClientID); !ok || cur == s {
			b.router.RemoveSession(s.ClientID)
		}
		b.sessions.DropIf(s)
		// Clear any stale snapshot under this client id, unless a
		// successor session already owns it.
		if _, ok := b.sessions.Get(s.ClientID); !ok && b.backend != nil {
			if err := b.backend.DeleteSession(s.ClientID); err != nil {
				log.Printf("broker: delete persisted session %q: %v", s.ClientID, err)
			}
		}
		return
	}
	// Persist only if s is still the live session for this client id: a
	// session destroyed by a clean reconnect must not resurrect its
	// snapshot from its old handler's late termination.
	if cur, ok := b.sessions.Get(s.ClientID); ok && cur == s {
		b.persistSession(s)
	}
}
