package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nyxlabs/nyxmq/client"
	"github.com/nyxlabs/nyxmq/internal/broker"
	"github.com/nyxlabs/nyxmq/internal/config"
	"github.com/nyxlabs/nyxmq/internal/plugin"
	"github.com/nyxlabs/nyxmq/internal/protocol"
)

func startBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := &config.Config{
		Listeners:              map[string]config.ListenerConfig{"default": {Kind: "tcp", Bind: addr}},
		TimeoutDisconnectDelay: 10 * time.Millisecond,
		Limits:                 config.LimitsConfig{OutboundQueueDepth: 64, FilterTimeout: time.Second},
	}
	bus := plugin.NewBus(plugin.Config{}, nil, nil, nil)
	b := broker.New(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)
	time.Sleep(50 * time.Millisecond)
	return addr
}

func TestClientPublishSubscribeQoS1(t *testing.T) {
	addr := startBroker(t)

	sub := client.New(client.Options{Addr: addr, ClientID: "sub-1", CleanSession: true})
	if err := sub.Connect(context.Background()); err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Disconnect()

	if _, err := sub.Subscribe("topic/a", protocol.QoS1, time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := client.New(client.Options{Addr: addr, ClientID: "pub-1", CleanSession: true})
	if err := pub.Connect(context.Background()); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	defer pub.Disconnect()

	if err := pub.Publish("topic/a", []byte("payload"), protocol.QoS1, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Topic != "topic/a" || string(msg.Payload) != "payload" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestClientRetainedReplayOnSubscribe(t *testing.T) {
	addr := startBroker(t)

	pub := client.New(client.Options{Addr: addr, ClientID: "pub-2", CleanSession: true})
	if err := pub.Connect(context.Background()); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	defer pub.Disconnect()
	if err := pub.Publish("topic/retained", []byte("sticky"), protocol.QoS0, true); err != nil {
		t.Fatalf("publish retained: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	sub := client.New(client.Options{Addr: addr, ClientID: "sub-2", CleanSession: true})
	if err := sub.Connect(context.Background()); err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Disconnect()
	if _, err := sub.Subscribe("topic/retained", protocol.QoS0, time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if !msg.Retain || string(msg.Payload) != "sticky" {
			t.Fatalf("unexpected retained message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retained replay")
	}
}
