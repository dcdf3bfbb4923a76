package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nyxlabs/nyxmq/internal/config"
	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/protocol"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startTestBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	cfg := &config.Config{
		Listeners:              map[string]config.ListenerConfig{"default": {Kind: "tcp", Bind: addr}},
		TimeoutDisconnectDelay: 10 * time.Millisecond,
		Limits:                 config.LimitsConfig{OutboundQueueDepth: 16, FilterTimeout: time.Second},
	}

	bus := plugin.NewBus(plugin.Config{}, nil, nil, nil)
	b := New(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)
	time.Sleep(50 * time.Millisecond) // listener bind
	return addr
}

func rawConnect(t *testing.T, addr, clientID string) net.Conn {
	t.Helper()
	conn, _ := rawConnectClean(t, addr, clientID, true)
	return conn
}

func rawConnectClean(t *testing.T, addr, clientID string, clean bool) (net.Conn, *protocol.ConnackPacket) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := protocol.Encode(&protocol.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: clean, ClientID: clientID, KeepAlive: 30,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatal(err)
	}
	ack, ok := readPacket(t, conn).(*protocol.ConnackPacket)
	if !ok {
		t.Fatal("expected CONNACK")
	}
	return conn, ack
}

func readPacket(t *testing.T, conn net.Conn) protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 0, 256)
	// One byte per read, so bytes of a following packet that arrived in
	// the same segment stay in the socket for the next call.
	chunk := make([]byte, 1)
	for {
		pkt, n, err := protocol.Decode(buf)
		if err == nil {
			_ = n
			return pkt
		}
		if err != protocol.ErrNeedMoreData {
			t.Fatalf("decode error: %v", err)
		}
		m, rerr := conn.Read(chunk)
		if rerr != nil {
			t.Fatalf("read error: %v", rerr)
		}
		buf = append(buf, chunk[:m]...)
	}
}

func TestConnectHandshakeGrantsConnack(t *testing.T) {
	addr := startTestBroker(t)
	conn := rawConnect(t, addr, "sub-1")
	defer conn.Close()
}

func TestPublishSubscribeQoS0Fanout(t *testing.T) {
	addr := startTestBroker(t)
	sub := rawConnect(t, addr, "sub-1")
	defer sub.Close()
	pub := rawConnect(t, addr, "pub-1")
	defer pub.Close()

	subBuf, _ := protocol.Encode(&protocol.SubscribePacket{
		PacketID:      1,
		Subscriptions: []protocol.Subscription{{Filter: "a/b", QoS: protocol.QoS0}},
	})
	sub.Write(subBuf)
	ack := readPacket(t, sub)
	if _, ok := ack.(*protocol.SubackPacket); !ok {
		t.Fatalf("expected SUBACK, got %T", ack)
	}

	pubBuf, _ := protocol.Encode(&protocol.PublishPacket{Topic: "a/b", QoS: protocol.QoS0, Payload: []byte("hello")})
	pub.Write(pubBuf)

	got := readPacket(t, sub)
	p, ok := got.(*protocol.PublishPacket)
	if !ok {
		t.Fatalf("expected PUBLISH, got %T", got)
	}
	if string(p.Payload) != "hello" || p.Topic != "a/b" {
		t.Fatalf("unexpected publish payload: %+v", p)
	}
}

func TestTakeoverClosesPreviousConnection(t *testing.T) {
	addr := startTestBroker(t)

	first, ack1 := rawConnectClean(t, addr, "twin", false)
	defer first.Close()
	if ack1.SessionPresent {
		t.Fatal("first CONNECT must not report session_present")
	}

	second, ack2 := rawConnectClean(t, addr, "twin", false)
	defer second.Close()
	if !ack2.SessionPresent {
		t.Fatal("takeover of a persistent session must report session_present=1")
	}

	// The superseded connection must be closed by the broker.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := first.Read(buf); err == nil {
		t.Fatal("expected the first connection to be closed on takeover")
	}
}

func TestPersistentSessionQueuedReplay(t *testing.T) {
	addr := startTestBroker(t)

	// Subscribe persistently, then disconnect cleanly.
	sub, _ := rawConnectClean(t, addr, "persist-1", false)
	subBuf, _ := protocol.Encode(&protocol.SubscribePacket{
		PacketID:      1,
		Subscriptions: []protocol.Subscription{{Filter: "a/#", QoS: protocol.QoS1}},
	})
	sub.Write(subBuf)
	if _, ok := readPacket(t, sub).(*protocol.SubackPacket); !ok {
		t.Fatal("expected SUBACK")
	}
	discBuf, _ := protocol.Encode(&protocol.DisconnectPacket{})
	sub.Write(discBuf)
	sub.Close()
	time.Sleep(50 * time.Millisecond)

	// Publish while the subscriber is away.
	pub := rawConnect(t, addr, "pub-persist")
	defer pub.Close()
	pubBuf, _ := protocol.Encode(&protocol.PublishPacket{Topic: "a/b", QoS: protocol.QoS1, PacketID: 11, Payload: []byte("p")})
	pub.Write(pubBuf)
	if _, ok := readPacket(t, pub).(*protocol.PubackPacket); !ok {
		t.Fatal("expected PUBACK for the stored publish")
	}

	// Reconnect: the queued message must be replayed.
	sub2, ack := rawConnectClean(t, addr, "persist-1", false)
	defer sub2.Close()
	if !ack.SessionPresent {
		t.Fatal("persistent reconnect must report session_present=1")
	}
	got, ok := readPacket(t, sub2).(*protocol.PublishPacket)
	if !ok {
		t.Fatal("expected queued PUBLISH on reconnect")
	}
	if got.Dup || string(got.Payload) != "p" || got.QoS != protocol.QoS1 {
		t.Fatalf("unexpected replayed publish: %+v", got)
	}
	ackBuf, _ := protocol.Encode(&protocol.PubackPacket{PacketID: got.PacketID})
	sub2.Write(ackBuf)
}

func TestConnectRefusedByAuthGetsNotAuthorized(t *testing.T) {
	addr := freeAddr(t)
	cfg := &config.Config{
		Listeners:              map[string]config.ListenerConfig{"default": {Kind: "tcp", Bind: addr}},
		TimeoutDisconnectDelay: 10 * time.Millisecond,
		Limits:                 config.LimitsConfig{OutboundQueueDepth: 16, FilterTimeout: time.Second},
	}

	// Auth is configured but no filter survives to vote: every CONNECT
	// must be refused.
	bus := plugin.NewBus(plugin.Config{AuthPluginsPresent: true}, nil, nil, nil)
	b := New(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	buf, _ := protocol.Encode(&protocol.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "denied-1", KeepAlive: 30,
	})
	if _, err := conn.Write(buf); err != nil {
		t.Fatal(err)
	}

	ack, ok := readPacket(t, conn).(*protocol.ConnackPacket)
	if !ok {
		t.Fatal("expected CONNACK")
	}
	if ack.ReturnCode != protocol.ConnackNotAuthorized {
		t.Fatalf("expected return code %d (not authorized), got %d", protocol.ConnackNotAuthorized, ack.ReturnCode)
	}
	if ack.SessionPresent {
		t.Fatal("a refused CONNECT must not report session_present")
	}
}
