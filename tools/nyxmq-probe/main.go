// Command nyxmq-probe is a one-shot publish/subscribe probe for a running
// broker, built on the Eclipse Paho client so broker behavior is checked
// against an independent MQTT implementation rather than this module's own
// client library.
//
//	nyxmq-probe pub -topic sensors/room1/temp -payload 23 -qos 1
//	nyxmq-probe sub -topic 'sensors/+/temp' -count 10
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	broker   = flag.String("broker", "tcp://127.0.0.1:1883", "MQTT broker address")
	clientID = flag.String("client", "", "Client ID (default probe-<mode>-<pid>)")
	username = flag.String("user", "", "Username for authentication")
	password = flag.String("pass", "", "Password for authentication")
	qos      = flag.Int("qos", 0, "Quality of Service (0, 1, 2)")
	topic    = flag.String("topic", "", "Topic name (pub) or filter (sub)")
	payload  = flag.String("payload", "", "Payload to publish")
	retain   = flag.Bool("retain", false, "Set the retain flag on publish")
	count    = flag.Int("count", 0, "Exit after receiving this many messages (0 = run until interrupted)")
	timeout  = flag.Duration("timeout", 10*time.Second, "Connect/publish timeout")
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	mode := os.Args[1]
	flag.CommandLine.Parse(os.Args[2:])

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "nyxmq-probe: -topic is required")
		os.Exit(2)
	}

	client := connect(mode)
	defer client.Disconnect(250)

	switch mode {
	case "pub":
		runPub(client)
	case "sub":
		runSub(client)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nyxmq-probe pub|sub [flags]")
	flag.PrintDefaults()
	os.Exit(2)
}

func connect(mode string) mqtt.Client {
	id := *clientID
	if id == "" {
		id = fmt.Sprintf("probe-%s-%d", mode, os.Getpid())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID(id).
		SetCleanSession(true).
		SetConnectTimeout(*timeout).
		SetKeepAlive(30 * time.Second)
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(*timeout) {
		fmt.Fprintf(os.Stderr, "nyxmq-probe: connect to %s timed out\n", *broker)
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "nyxmq-probe: connect: %v\n", err)
		os.Exit(1)
	}
	return client
}

func runPub(client mqtt.Client) {
	token := client.Publish(*topic, byte(*qos), *retain, *payload)
	if !token.WaitTimeout(*timeout) {
		fmt.Fprintln(os.Stderr, "nyxmq-probe: publish timed out")
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "nyxmq-probe: publish: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("published %d byte(s) to %s (qos=%d retain=%t)\n", len(*payload), *topic, *qos, *retain)
}

func runSub(client mqtt.Client) {
	received := make(chan mqtt.Message, 64)
	token := client.Subscribe(*topic, byte(*qos), func(_ mqtt.Client, msg mqtt.Message) {
		received <- msg
	})
	if !token.WaitTimeout(*timeout) || token.Error() != nil {
		fmt.Fprintf(os.Stderr, "nyxmq-probe: subscribe to %q failed: %v\n", *topic, token.Error())
		os.Exit(1)
	}
	fmt.Printf("subscribed to %s (qos=%d), waiting for messages\n", *topic, *qos)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	seen := 0
	for {
		select {
		case msg := <-received:
			seen++
			fmt.Printf("%s qos=%d retain=%t %s\n", msg.Topic(), msg.Qos(), msg.Retained(), msg.Payload())
			if *count > 0 && seen >= *count {
				return
			}
		case <-quit:
			return
		}
	}
}
