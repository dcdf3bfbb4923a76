package router

import (
	"testing"

	"github.com/nyxlabs/nyxmq/internal/protocol"
)

func TestWildcardTruthTable(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"sport/tennis/player1", "sport/tennis/player1", true},
		{"sport/tennis/player1", "sport/tennis/player2", false},
		{"sport/tennis/+", "sport/tennis/player1", true},
		{"sport/tennis/+", "sport/tennis/player1/ranking", false},
		{"sport/#", "sport", true},
		{"sport/#", "sport/tennis/player1", true},
		{"#", "anything/at/all", true},
		{"+/+", "a/b", true},
		{"+/+", "a/b/c", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
		{"#", "$SYS/broker/uptime", false},
		{"+/a", "$SYS/a", false},
		{"$SYS/+", "$SYS/broker", true},
	}
	for _, tc := range cases {
		tr := NewTrie()
		tr.Insert("s", tc.filter, protocol.QoS0)
		matched := tr.Match(tc.topic)
		_, ok := matched["s"]
		if ok != tc.want {
			t.Errorf("match(topic=%q, filter=%q) = %v, want %v", tc.topic, tc.filter, ok, tc.want)
		}
	}
}

func TestAtMostOncePerSubscriberAtMaxQoS(t *testing.T) {
	r := New()
	r.Subscribe("s1", "a/+", protocol.QoS0, protocol.QoS2)
	r.Subscribe("s1", "a/#", protocol.QoS2, protocol.QoS2)

	matched := r.Route(&protocol.PublishPacket{Topic: "a/b", QoS: protocol.QoS2})
	if len(matched) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(matched))
	}
	if matched["s1"] != protocol.QoS2 {
		t.Fatalf("expected max granted QoS 2, got %d", matched["s1"])
	}
}

func TestResubscribeReplacesGrantedQoS(t *testing.T) {
	r := New()
	r.Subscribe("s1", "a/b", protocol.QoS2, protocol.QoS2)
	r.Subscribe("s1", "a/b", protocol.QoS0, protocol.QoS2)

	matched := r.Route(&protocol.PublishPacket{Topic: "a/b", QoS: protocol.QoS2})
	if matched["s1"] != protocol.QoS0 {
		t.Fatalf("resubscribe must replace granted QoS, got %d", matched["s1"])
	}
}

func TestUnsubscribeRemovesRoute(t *testing.T) {
	r := New()
	r.Subscribe("s1", "a/b", protocol.QoS0, protocol.QoS2)
	r.Unsubscribe("s1", "a/b")
	matched := r.Route(&protocol.PublishPacket{Topic: "a/b", QoS: protocol.QoS0})
	if len(matched) != 0 {
		t.Fatal("unsubscribe must remove the route")
	}
}

func TestRetainedReplay(t *testing.T) {
	r := New()
	r.HandleRetain(&protocol.PublishPacket{Topic: "t", Payload: []byte("r"), QoS: protocol.QoS1, Retain: true})

	msgs := r.RetainedFor("t", protocol.QoS0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 retained match, got %d", len(msgs))
	}
	if msgs[0].QoS != protocol.QoS0 {
		t.Fatalf("retained delivery must cap at subscriber max QoS, got %d", msgs[0].QoS)
	}
	if !msgs[0].Retain {
		t.Fatal("replayed retained message must carry retain=1")
	}
}

func TestRetainedClearedByEmptyPayload(t *testing.T) {
	r := New()
	r.HandleRetain(&protocol.PublishPacket{Topic: "t", Payload: []byte("r"), Retain: true})
	r.HandleRetain(&protocol.PublishPacket{Topic: "t", Payload: nil, Retain: true})

	if got := r.RetainedFor("t", protocol.QoS2); len(got) != 0 {
		t.Fatalf("expected retained message cleared, got %v", got)
	}
}

func TestRemoveSessionPrunesAllFilters(t *testing.T) {
	r := New()
	r.Subscribe("s1", "a/b", protocol.QoS0, protocol.QoS2)
	r.Subscribe("s1", "c/d", protocol.QoS0, protocol.QoS2)
	r.RemoveSession("s1")

	if len(r.Route(&protocol.PublishPacket{Topic: "a/b"})) != 0 {
		t.Fatal("RemoveSession must remove all of a session's filters")
	}
	if len(r.Route(&protocol.PublishPacket{Topic: "c/d"})) != 0 {
		t.Fatal("RemoveSession must remove all of a session's filters")
	}
}
