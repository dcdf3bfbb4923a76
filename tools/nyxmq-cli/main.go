// Command nyxmq-cli is an interactive client for exercising a running
// broker by hand, built on this module's own client library rather than an
// external MQTT client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nyxlabs/nyxmq/client"
	"github.com/nyxlabs/nyxmq/internal/protocol"
)

var (
	addr       = flag.String("broker", "127.0.0.1:1883", "MQTT broker address (host:port)")
	clientID   = flag.String("client", "demo-client", "Client ID")
	username   = flag.String("user", "", "Username for authentication")
	password   = flag.String("pass", "", "Password for authentication")
	defaultQoS = flag.Int("qos", 0, "Default quality of service (0, 1, 2)")
)

func main() {
	flag.Parse()

	fmt.Println("nyxmq interactive client")
	fmt.Printf("Connecting to broker: %s\n", *addr)
	fmt.Printf("Client ID: %s\n\n", *clientID)

	opts := client.Options{
		Addr:          *addr,
		ClientID:      *clientID,
		CleanSession:  false,
		KeepAlive:     30 * time.Second,
		AutoReconnect: true,
	}
	if *username != "" {
		opts.Username = *username
		opts.Password = []byte(*password)
	}

	c := client.New(opts)
	if err := c.Connect(context.Background()); err != nil {
		fmt.Printf("failed to connect: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("connected")

	go func() {
		for msg := range c.Messages() {
			fmt.Printf("\nmessage received:\n  topic: %s\n  qos: %d\n  retained: %t\n  payload: %s\n> ",
				msg.Topic, msg.QoS, msg.Retain, string(msg.Payload))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\ndisconnecting...")
		c.Disconnect()
		os.Exit(0)
	}()

	printHelp()
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		switch cmd {
		case "help", "h":
			printHelp()

		case "subscribe", "sub":
			if len(parts) < 2 {
				fmt.Println("usage: subscribe <topic> [qos]")
				break
			}
			qos := protocol.QoS(*defaultQoS)
			if len(parts) >= 3 {
				if v, err := strconv.Atoi(parts[2]); err == nil {
					qos = protocol.QoS(v)
				}
			}
			granted, err := c.Subscribe(parts[1], qos, 5*time.Second)
			if err != nil {
				fmt.Printf("subscribe failed: %v\n", err)
			} else {
				fmt.Printf("subscribed to %q (granted QoS %d)\n", parts[1], granted)
			}

		case "unsubscribe", "unsub":
			if len(parts) < 2 {
				fmt.Println("usage: unsubscribe <topic>")
				break
			}
			if err := c.Unsubscribe(parts[1], 5*time.Second); err != nil {
				fmt.Printf("unsubscribe failed: %v\n", err)
			} else {
				fmt.Printf("unsubscribed from %q\n", parts[1])
			}

		case "publish", "pub":
			if len(parts) < 3 {
				fmt.Println("usage: publish <topic> <message> [qos] [retain]")
				break
			}
			topic := parts[1]
			rest := parts[2:]
			retain := false
			if len(rest) > 0 && (strings.EqualFold(rest[len(rest)-1], "retain") || strings.EqualFold(rest[len(rest)-1], "r")) {
				retain = true
				rest = rest[:len(rest)-1]
			}
			qos := protocol.QoS(*defaultQoS)
			if len(rest) > 0 {
				if v, err := strconv.Atoi(rest[len(rest)-1]); err == nil && v >= 0 && v <= 2 {
					qos = protocol.QoS(v)
					rest = rest[:len(rest)-1]
				}
			}
			message := strings.Join(rest, " ")
			if err := c.Publish(topic, []byte(message), qos, retain); err != nil {
				fmt.Printf("publish failed: %v\n", err)
			} else {
				fmt.Printf("published to %q (QoS %d, retain=%t)\n", topic, qos, retain)
			}

		case "status", "s":
			if c.Connected() {
				fmt.Println("status: connected")
			} else {
				fmt.Println("status: disconnected")
			}

		case "exit", "quit", "q":
			fmt.Println("disconnecting...")
			c.Disconnect()
			return

		default:
			fmt.Printf("unknown command: %s (type 'help' for available commands)\n", cmd)
		}

		fmt.Print("> ")
	}
}

func printHelp() {
	fmt.Println("\navailable commands:")
	fmt.Println("  subscribe|sub <topic> [qos]")
	fmt.Println("  unsubscribe|unsub <topic>")
	fmt.Println("  publish|pub <topic> <message> [qos] [retain]")
	fmt.Println("  status|s")
	fmt.Println("  help|h")
	fmt.Println("  exit|quit|q")
	fmt.Println()
}
