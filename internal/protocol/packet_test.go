package protocol

import (
	"bytes"
	"testing"
)

func roundTripCases() []Packet {
	return []Packet{
		&ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, KeepAlive: 60, ClientID: "c1"},
		&ConnectPacket{
			ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: false, KeepAlive: 30, ClientID: "c2",
			WillFlag: true, WillQoS: QoS1, WillRetain: true, WillTopic: "bye", WillMessage: []byte("gone"),
			UsernameFlag: true, Username: "u", PasswordFlag: true, Password: []byte("p"),
		},
		&ConnackPacket{SessionPresent: true, ReturnCode: ConnackAccepted},
		&PublishPacket{Topic: "a/b", QoS: QoS0, Payload: []byte("hello")},
		&PublishPacket{Topic: "a/b", QoS: QoS1, PacketID: 42, Dup: true, Payload: []byte("x")},
		&PublishPacket{Topic: "a/b", QoS: QoS2, PacketID: 7, Retain: true, Payload: nil},
		&PubackPacket{PacketID: 5},
		&PubrecPacket{PacketID: 5},
		&PubrelPacket{PacketID: 5},
		&PubcompPacket{PacketID: 5},
		&SubscribePacket{PacketID: 9, Subscriptions: []Subscription{{Filter: "a/+", QoS: QoS1}, {Filter: "#", QoS: QoS0}}},
		&SubackPacket{PacketID: 9, ReturnCodes: []byte{0, 1, SubackFailure}},
		&UnsubscribePacket{PacketID: 3, Filters: []string{"a/+", "b/c"}},
		&UnsubackPacket{PacketID: 3},
		&PingreqPacket{},
		&PingrespPacket{},
		&DisconnectPacket{},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, want := range roundTripCases() {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%T): %v", want, err)
		}
		got, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%T): %v", want, err)
		}
		if n != len(buf) {
			t.Fatalf("Decode(%T): consumed %d, want %d", want, n, len(buf))
		}
		reEncoded, err := Encode(got)
		if err != nil {
			t.Fatalf("re-Encode(%T): %v", want, err)
		}
		if !bytes.Equal(buf, reEncoded) {
			t.Fatalf("round-trip mismatch for %T:\n want %v\n got  %v", want, buf, reEncoded)
		}
	}
}

func TestCodecPartialRead(t *testing.T) {
	for _, want := range roundTripCases() {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%T): %v", want, err)
		}
		for split := 0; split < len(buf); split++ {
			_, _, err := Decode(buf[:split])
			if err != ErrNeedMoreData {
				t.Fatalf("%T split at %d: want ErrNeedMoreData, got %v", want, split, err)
			}
		}
		_, n, err := Decode(buf)
		if err != nil || n != len(buf) {
			t.Fatalf("%T full buffer: n=%d err=%v", want, n, err)
		}
	}
}

func TestRemainingLengthRejectsFifthContinuationByte(t *testing.T) {
	buf := []byte{byte(PINGREQ) << 4, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected malformed error for 5-byte remaining length")
	}
	if perr, ok := err.(*Error); !ok || perr.Kind != ErrMalformedPacket {
		t.Fatalf("expected MalformedPacket, got %v", err)
	}
}

func TestPubrelRejectsBadReservedFlags(t *testing.T) {
	buf := []byte{byte(PUBREL)<<4 | 0x02, 2, 0, 1}
	if _, _, err := Decode(buf); err != nil {
		t.Fatalf("valid PUBREL flags should decode: %v", err)
	}
	buf[0] = byte(PUBREL) << 4 // flags 0000, invalid
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected malformed error for PUBREL with flags != 0010")
	}
}

func TestConnectRejectsUnsupportedVersion(t *testing.T) {
	p := &ConnectPacket{ProtocolName: "MQIsdp", ProtocolLevel: 3, ClientID: "c"}
	// Hand-build bytes rather than Encode (Encode always writes MQTT/4).
	var body []byte
	body = writeString(body, p.ProtocolName)
	body = append(body, p.ProtocolLevel, 0x02, 0, 60)
	body = writeString(body, p.ClientID)
	buf := withFixedHeader(CONNECT, 0, body)

	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected UnsupportedVersion error")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != ErrUnsupportedVersion {
		t.Fatalf("expected UnsupportedVersion, got %v", err)
	}
}

func TestValidTopicFilter(t *testing.T) {
	cases := map[string]bool{
		"a/b/c":     true,
		"a/+/c":     true,
		"a/#":       true,
		"#":         true,
		"+":         true,
		"a/#/c":     false,
		"a/b#":      false,
		"a+/b":      false,
		"":          false,
	}
	for filter, want := range cases {
		if got := ValidTopicFilter(filter); got != want {
			t.Errorf("ValidTopicFilter(%q) = %v, want %v", filter, got, want)
		}
	}
}

func TestValidTopicName(t *testing.T) {
	if !ValidTopicName("a/b/c") {
		t.Error("a/b/c should be a valid topic name")
	}
	if ValidTopicName("a/+") || ValidTopicName("a/#") || ValidTopicName("") {
		t.Error("wildcards and empty string must be rejected as topic names")
	}
}
