// Package client is a from-scratch MQTT 3.1.1 client library, mirroring the broker handler's reader/writer-loop shape and
// reusing the broker's session bookkeeping for packet-id allocation and
// QoS inflight tracking.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nyxlabs/nyxmq/internal/handler"
	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/session"
	"github.com/nyxlabs/nyxmq/internal/transport"
)

// Message is one inbound application message delivered to the caller via
// Messages().
type Message struct {
	Topic   string
	Payload []byte
	QoS     protocol.QoS
	Retain  bool
}

// Will describes the message the broker should publish on our behalf if
// the connection drops abnormally.
type Will struct {
	Topic   string
	Payload []byte
	QoS     protocol.QoS
	Retain  bool
}

// Options configures a Client.
type Options struct {
	Addr          string // host:port
	ClientID      string
	CleanSession  bool
	Username      string
	Password      []byte
	KeepAlive     time.Duration
	Will          *Will
	TLSConfig     *tls.Config
	QueueLimit    int
	AutoReconnect bool
	MaxBackoff    time.Duration
}

// Client is a single MQTT connection plus its session bookkeeping. It is
// safe for concurrent use by multiple goroutines calling Publish/Subscribe/
// Unsubscribe while a background goroutine drives the connection.
type Client struct {
	opts Options
	sess *session.Session

	mu        sync.Mutex
	stream    transport.Stream
	reader    *handler.FrameReader
	outbound  chan protocol.Packet
	connected bool
	closed    chan struct{}
	closeOnce sync.Once

	messages chan *Message

	pendingMu    sync.Mutex
	pendingSub   map[uint16]chan *protocol.SubackPacket
	pendingUnsub map[uint16]chan *protocol.UnsubackPacket
}

// New constructs a Client. Call Connect to establish the connection.
func New(opts Options) *Client {
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = 1000
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Client{
		opts:         opts,
		sess:         session.NewSession(opts.ClientID, opts.CleanSession, opts.QueueLimit),
		messages:     make(chan *Message, 64),
		pendingSub:   make(map[uint16]chan *protocol.SubackPacket),
		pendingUnsub: make(map[uint16]chan *protocol.UnsubackPacket),
	}
}

// Messages returns the channel inbound application messages arrive on.
func (c *Client) Messages() <-chan *Message { return c.messages }

// Connect dials opts.Addr, performs the CONNECT/CONNACK handshake, and
// starts the reader/writer loops. If opts.AutoReconnect is set, a
// background goroutine keeps the connection alive with exponential backoff
// until Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dialAndHandshake(ctx); err != nil {
		return err
	}
	if c.opts.AutoReconnect {
		go c.reconnectLoop()
	}
	return nil
}

func (c *Client) dialAndHandshake(ctx context.Context) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	if c.opts.TLSConfig != nil {
		conn = tls.Client(conn, c.opts.TLSConfig)
	}
	stream := transport.NewConnStream(conn)
	reader := handler.NewFrameReader(stream, nil)

	connect := &protocol.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4,
		CleanSession: c.opts.CleanSession,
		ClientID:     c.opts.ClientID,
		KeepAlive:    uint16(c.opts.KeepAlive / time.Second),
	}
	if c.opts.Username != "" {
		connect.UsernameFlag = true
		connect.Username = c.opts.Username
	}
	if c.opts.Password != nil {
		connect.PasswordFlag = true
		connect.Password = c.opts.Password
	}
	if c.opts.Will != nil {
		connect.WillFlag = true
		connect.WillTopic = c.opts.Will.Topic
		connect.WillMessage = c.opts.Will.Payload
		connect.WillQoS = c.opts.Will.QoS
		connect.WillRetain = c.opts.Will.Retain
	}

	buf, err := protocol.Encode(connect)
	if err != nil {
		return err
	}
	if _, err := stream.Write(buf); err != nil {
		stream.Close()
		return err
	}

	pkt, err := reader.ReadPacket()
	if err != nil {
		stream.Close()
		return err
	}
	ack, ok := pkt.(*protocol.ConnackPacket)
	if !ok {
		stream.Close()
		return fmt.Errorf("client: expected CONNACK, got %T", pkt)
	}
	if ack.ReturnCode != protocol.ConnackAccepted {
		stream.Close()
		return fmt.Errorf("client: connection refused, return code %d", ack.ReturnCode)
	}

	c.mu.Lock()
	c.stream = stream
	c.reader = reader
	c.outbound = make(chan protocol.Packet, 64)
	c.closed = make(chan struct{})
	c.closeOnce = sync.Once{}
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(stream, reader, c.closed)
	go c.writeLoop(stream, c.outbound, c.closed)

	if ack.SessionPresent {
		c.replayOutbound()
	}
	return nil
}

func (c *Client) enqueue(p protocol.Packet) {
	c.mu.Lock()
	ch := c.outbound
	closed := c.closed
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	case <-closed:
	}
}

// replayOutbound resends unacknowledged QoS1/2 state after a reconnect
// with session_present=true: PUBRELs first, then dup=1
// PUBLISHes, matching the broker handler's own replay ordering.
func (c *Client) replayOutbound() {
	pubrels, publishes := c.sess.ReplayOutbound()
	for _, in := range pubrels {
		c.enqueue(&protocol.PubrelPacket{PacketID: in.PacketID})
	}
	for _, in := range publishes {
		dup := *in.Message
		dup.Dup = true
		dup.PacketID = in.PacketID
		c.enqueue(&dup)
	}
}

// Disconnect sends DISCONNECT and closes the connection cleanly. It does
// not trigger auto-reconnect.
func (c *Client) Disconnect() error {
	c.opts.AutoReconnect = false
	c.mu.Lock()
	stream := c.stream
	c.connected = false
	c.mu.Unlock()
	if stream != nil {
		// Written here rather than through the writer loop, which may exit
		// on the close below before it drains its queue.
		if buf, err := protocol.Encode(&protocol.DisconnectPacket{}); err == nil {
			stream.Write(buf)
		}
	}
	c.closeOnce.Do(func() {
		if c.closed != nil {
			close(c.closed)
		}
	})
	if stream != nil {
		return stream.Close()
	}
	return nil
}

func (c *Client) readLoop(stream transport.Stream, reader *handler.FrameReader, closed chan struct{}) {
	for {
		pkt, err := reader.ReadPacket()
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.closeOnce.Do(func() { close(closed) })
			stream.Close()
			return
		}
		c.handleInbound(pkt)
	}
}

func (c *Client) writeLoop(stream transport.Stream, outbound chan protocol.Packet, closed chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case pkt := <-outbound:
			buf, err := protocol.Encode(pkt)
			if err != nil {
				continue
			}
			if _, err := stream.Write(buf); err != nil {
				return
			}
		}
	}
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
