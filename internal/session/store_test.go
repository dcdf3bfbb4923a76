package session

import (
	"testing"

	"github.com/nyxlabs/nyxmq/internal/protocol"
)

type fakeHandler struct {
	closed bool
	reason string
	sent   []protocol.Packet
}

func (f *fakeHandler) Close(reason string) { f.closed = true; f.reason = reason }
func (f *fakeHandler) Enqueue(p protocol.Packet) bool {
	f.sent = append(f.sent, p)
	return true
}

func TestGetOrCreateFreshSession(t *testing.T) {
	st := NewStore(0)
	res := st.GetOrCreate("c1", true)
	if res.SessionPresent {
		t.Error("first CONNECT must not report session_present")
	}
	if res.PreviousHandler != nil {
		t.Error("first CONNECT must not report a previous handler")
	}
}

func TestCleanSessionDestroysExisting(t *testing.T) {
	st := NewStore(0)
	res := st.GetOrCreate("c1", true)
	h := &fakeHandler{}
	res.Session.Attach(h)
	res.Session.SetSubscription(Subscription{Filter: "a/b", MaxQoS: protocol.QoS1})

	res2 := st.GetOrCreate("c1", true)
	if res2.SessionPresent {
		t.Error("clean reconnect must not report session_present")
	}
	if len(res2.Session.SubscriptionList()) != 0 {
		t.Error("clean reconnect must start with no subscriptions")
	}
}

func TestTakeoverReattachesState(t *testing.T) {
	st := NewStore(0)
	res := st.GetOrCreate("c1", false)
	h1 := &fakeHandler{}
	res.Session.Attach(h1)
	res.Session.SetSubscription(Subscription{Filter: "a/#", MaxQoS: protocol.QoS1})

	res2 := st.GetOrCreate("c1", false)
	if !res2.SessionPresent {
		t.Fatal("takeover of a persistent session must report session_present=1")
	}
	if res2.PreviousHandler != h1 {
		t.Fatal("takeover must return the previous handler for closing")
	}
	if res2.Session != res.Session {
		t.Fatal("takeover must reattach the same session object")
	}
	if len(res2.Session.SubscriptionList()) != 1 {
		t.Fatal("takeover must preserve subscriptions")
	}
}

func TestPersistentFollowedByCleanDestroys(t *testing.T) {
	st := NewStore(0)
	res := st.GetOrCreate("c1", false)
	res.Session.SetSubscription(Subscription{Filter: "a/#", MaxQoS: protocol.QoS1})

	res2 := st.GetOrCreate("c1", true)
	if res2.SessionPresent {
		t.Error("clean incoming over a persistent existing session must not reattach")
	}
	if len(res2.Session.SubscriptionList()) != 0 {
		t.Error("destroyed-then-created session must start empty")
	}
}

func TestPacketIDAllocationSkipsBusy(t *testing.T) {
	s := newSession("c1", true, 0)
	first := s.AllocatePacketID(Outbound)
	s.RecordOutbound(first, nil, StatePublished)
	s.RecordOutbound(first+1, nil, StatePublished)
	second := s.AllocatePacketID(Outbound)
	if second == first || second == first+1 {
		t.Fatal("allocator must skip ids already inflight")
	}
}

func TestReplayOrdersPubrelsBeforePublishes(t *testing.T) {
	s := newSession("c1", false, 0)
	s.RecordOutbound(1, &protocol.PublishPacket{Topic: "a"}, StatePublished)
	s.RecordOutbound(2, &protocol.PublishPacket{Topic: "b"}, StateReceived)
	s.RecordOutbound(3, &protocol.PublishPacket{Topic: "c"}, StatePublished)

	pubrels, publishes := s.ReplayOutbound()
	if len(pubrels) != 1 || pubrels[0].PacketID != 2 {
		t.Fatalf("expected one pubrel for pid 2, got %+v", pubrels)
	}
	if len(publishes) != 2 || publishes[0].PacketID != 1 || publishes[1].PacketID != 3 {
		t.Fatalf("expected publishes for pid 1,3 in order, got %+v", publishes)
	}
}

func TestEnqueueNeverDropsQoSAboveZero(t *testing.T) {
	s := newSession("c1", false, 1)
	s.Enqueue(&protocol.PublishPacket{Topic: "a", QoS: protocol.QoS1})
	dropped := s.Enqueue(&protocol.PublishPacket{Topic: "b", QoS: protocol.QoS1})
	if dropped {
		t.Fatal("QoS>0 must never be dropped on overflow")
	}
	if len(s.DrainQueued()) != 2 {
		t.Fatal("both QoS>0 messages must be retained past the configured depth")
	}
}

func TestEnqueueDropsQoS0OnOverflow(t *testing.T) {
	s := newSession("c1", false, 1)
	s.Enqueue(&protocol.PublishPacket{Topic: "a", QoS: protocol.QoS0})
	dropped := s.Enqueue(&protocol.PublishPacket{Topic: "b", QoS: protocol.QoS0})
	if !dropped {
		t.Fatal("QoS0 must be dropped once the queue is at its configured depth")
	}
	if s.DroppedCount() != 1 {
		t.Fatalf("expected dropped counter 1, got %d", s.DroppedCount())
	}
}
