// Package session implements the broker's session store: the
// client-id-keyed table of Session objects, clean/persistent CONNECT
// policy, takeover, and the bounded per-session outbound queue.
package session

import (
	"sync"
	"time"

	"github.com/nyxlabs/nyxmq/internal/protocol"
)

// Handler is the minimal surface the session package needs from a
// connection's protocol handler: enough to force-close a superseded
// connection and to push queued/replayed messages onto its writer loop.
// The concrete implementation lives in package handler; session never
// imports it, so no reference cycle survives a disconnect.
type Handler interface {
	Close(reason string)
	Enqueue(p protocol.Packet) bool
}

// InflightState tags the position of a QoS>0 message within its state
// machine.
type InflightState int

const (
	StateNew InflightState = iota
	StatePublished
	StateReceived
	StateReleased
	StateCompleted
	// StateAcknowledged is the QoS 1 terminal state (PUBACK received).
	// QoS 2's terminal state is StateCompleted.
	StateAcknowledged
)

// Direction distinguishes the outbound (broker→subscriber) and inbound
// (publisher→broker) inflight tables, each with its own packet-id space.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// Inflight is one QoS 1 or 2 message in transit on a session.
type Inflight struct {
	PacketID   uint16
	State      InflightState
	Message    *protocol.PublishPacket
	LastSend   time.Time
	RetryCount int
}

// Will is the message a broker publishes on a client's behalf if its
// connection terminates abnormally.
type Will struct {
	Topic   string
	Payload []byte
	QoS     protocol.QoS
	Retain  bool
}

// Subscription is one entry of a session's subscription set, mirrored here
// so a session can be replayed without consulting the router.
type Subscription struct {
	Filter string
	MaxQoS protocol.QoS
}

// Session is the per-client-id state that survives a clean=false
// disconnect/reconnect cycle.
type Session struct {
	mu sync.Mutex

	ClientID      string
	Clean         bool
	Subscriptions map[string]Subscription
	Will          *Will
	KeepAlive     uint16
	LastSeen      time.Time

	// outboundInflight / inboundInflight are keyed by packet id.
	outboundInflight map[uint16]*Inflight
	inboundInflight  map[uint16]*Inflight
	outboundOrder    []uint16 // insertion order, for in-order replay

	queued     []*protocol.PublishPacket
	queueLimit int
	dropped    int

	nextOutboundID uint16

	handler Handler // non-nil while a connection is attached
}

// NewSession constructs a standalone Session not owned by any Store, for
// the client library's own inflight bookkeeping.
func NewSession(clientID string, clean bool, queueLimit int) *Session {
	return newSession(clientID, clean, queueLimit)
}

func newSession(clientID string, clean bool, queueLimit int) *Session {
	return &Session{
		ClientID:         clientID,
		Clean:            clean,
		Subscriptions:    make(map[string]Subscription),
		outboundInflight: make(map[uint16]*Inflight),
		inboundInflight:  make(map[uint16]*Inflight),
		queueLimit:       queueLimit,
		nextOutboundID:   1,
		LastSeen:         time.Now(),
	}
}

// Attach binds a newly connected handler to this session, returning the
// previously attached handler (non-nil only under takeover) so the caller
// can close it.
func (s *Session) Attach(h Handler) (previous Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.handler
	s.handler = h
	s.LastSeen = time.Now()
	return previous
}

// DetachIf clears the attached handler only if h is still the one
// attached. A taken-over connection's late termination must not detach the
// successor that replaced it.
func (s *Session) DetachIf(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == h {
		s.handler = nil
	}
	s.LastSeen = time.Now()
}

// Connected reports whether a handler is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// AllocatePacketID returns the next free 16-bit id for dir, skipping ids
// already present in that direction's inflight table, wrapping at 65535.
func (s *Session) AllocatePacketID(dir Direction) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.outboundInflight
	if dir == Inbound {
		table = s.inboundInflight
	}
	for i := 0; i < 65535; i++ {
		id := s.nextOutboundID
		s.nextOutboundID++
		if s.nextOutboundID == 0 {
			s.nextOutboundID = 1
		}
		if _, busy := table[id]; !busy {
			return id
		}
	}
	return 0 // pool exhausted; caller must apply backpressure
}

// RecordOutbound starts tracking pub under pid in the outbound table.
func (s *Session) RecordOutbound(pid uint16, pub *protocol.PublishPacket, state InflightState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outboundInflight[pid]; !exists {
		s.outboundOrder = append(s.outboundOrder, pid)
	}
	s.outboundInflight[pid] = &Inflight{PacketID: pid, State: state, Message: pub, LastSend: time.Now()}
}

// OutboundState returns the inflight record for pid, or nil.
func (s *Session) OutboundState(pid uint16) *Inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outboundInflight[pid]
}

// TransitionOutbound moves the outbound inflight for pid to state. A
// terminal state releases the packet id.
func (s *Session) TransitionOutbound(pid uint16, state InflightState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inf, ok := s.outboundInflight[pid]
	if !ok {
		return
	}
	inf.State = state
	inf.LastSend = time.Now()
	if state == StateCompleted || state == StateAcknowledged {
		delete(s.outboundInflight, pid)
		s.removeOutboundOrder(pid)
	}
}

func (s *Session) removeOutboundOrder(pid uint16) {
	for i, id := range s.outboundOrder {
		if id == pid {
			s.outboundOrder = append(s.outboundOrder[:i], s.outboundOrder[i+1:]...)
			return
		}
	}
}

// ReplayOutbound returns the inflight entries in original send order:
// PUBRELs (state Received/Released) first to drain half-completed QoS 2,
// then PUBLISHes still awaiting ack with dup=1.
func (s *Session) ReplayOutbound() (pubrels []*Inflight, publishes []*Inflight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.outboundOrder {
		inf := s.outboundInflight[pid]
		if inf == nil {
			continue
		}
		switch inf.State {
		case StateReceived, StateReleased:
			pubrels = append(pubrels, inf)
		case StatePublished:
			publishes = append(publishes, inf)
		}
	}
	return pubrels, publishes
}

// InboundState returns the inbound-direction inflight record for pid, or
// nil if the broker has not seen this QoS 2 packet id.
func (s *Session) InboundState(pid uint16) *Inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboundInflight[pid]
}

// RecordInbound begins tracking an inbound QoS 2 publish under pid.
func (s *Session) RecordInbound(pid uint16, pub *protocol.PublishPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundInflight[pid] = &Inflight{PacketID: pid, State: StateReceived, Message: pub, LastSend: time.Now()}
}

// TransitionInbound moves the inbound inflight for pid to state, forgetting
// it once Completed.
func (s *Session) TransitionInbound(pid uint16, state InflightState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inf, ok := s.inboundInflight[pid]
	if !ok {
		return
	}
	inf.State = state
	if state == StateCompleted {
		delete(s.inboundInflight, pid)
	}
}

// Enqueue appends pub to the session's bounded outbound queue, used while
// no handler is attached. QoS 0 is dropped (and counted) on overflow; QoS>0
// is never dropped: the queue grows past its configured depth instead.
func (s *Session) Enqueue(pub *protocol.PublishPacket) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueLimit > 0 && len(s.queued) >= s.queueLimit {
		if pub.QoS == protocol.QoS0 {
			s.dropped++
			return true
		}
		// Never drop QoS>0: grow past the configured depth rather than lose it.
	}
	s.queued = append(s.queued, pub)
	return false
}

// QueuedSnapshot returns a copy of the queued messages without draining
// them, for persistence snapshots.
func (s *Session) QueuedSnapshot() []*protocol.PublishPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.PublishPacket, len(s.queued))
	copy(out, s.queued)
	return out
}

// DrainQueued removes and returns all queued messages, in order.
func (s *Session) DrainQueued() []*protocol.PublishPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queued
	s.queued = nil
	return q
}

// DroppedCount returns the number of QoS 0 messages dropped for queue
// overflow, for metrics.
func (s *Session) DroppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// SetSubscription idempotently installs or replaces sub by filter.
func (s *Session) SetSubscription(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[sub.Filter] = sub
}

// RemoveSubscription deletes filter from the session's subscription set.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, filter)
}

// SubscriptionList returns a snapshot of the session's subscriptions.
func (s *Session) SubscriptionList() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		out = append(out, sub)
	}
	return out
}
