package protocol

import "fmt"

// Encode serialises p to its wire representation.
func Encode(p Packet) ([]byte, error) {
	switch pkt := p.(type) {
	case *ConnectPacket:
		return encodeConnect(pkt), nil
	case *ConnackPacket:
		return encodeConnack(pkt), nil
	case *PublishPacket:
		return encodePublish(pkt), nil
	case *PubackPacket:
		return encodeIDOnly(PUBACK, 0x00, pkt.PacketID), nil
	case *PubrecPacket:
		return encodeIDOnly(PUBREC, 0x00, pkt.PacketID), nil
	case *PubrelPacket:
		return encodeIDOnly(PUBREL, 0x02, pkt.PacketID), nil
	case *PubcompPacket:
		return encodeIDOnly(PUBCOMP, 0x00, pkt.PacketID), nil
	case *SubscribePacket:
		return encodeSubscribe(pkt), nil
	case *SubackPacket:
		return encodeSuback(pkt), nil
	case *UnsubscribePacket:
		return encodeUnsubscribe(pkt), nil
	case *UnsubackPacket:
		return encodeIDOnly(UNSUBACK, 0x00, pkt.PacketID), nil
	case *PingreqPacket:
		return []byte{byte(PINGREQ) << 4, 0}, nil
	case *PingrespPacket:
		return []byte{byte(PINGRESP) << 4, 0}, nil
	case *DisconnectPacket:
		return []byte{byte(DISCONNECT) << 4, 0}, nil
	default:
		return nil, fmt.Errorf("protocol: encode: unsupported packet type %T", p)
	}
}

func withFixedHeader(pt PacketType, flags byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+5)
	out = append(out, byte(pt)<<4|flags)
	out = append(out, encodeRemainingLength(len(body))...)
	out = append(out, body...)
	return out
}

func encodeIDOnly(pt PacketType, flags byte, id uint16) []byte {
	body := writeUint16(nil, id)
	return withFixedHeader(pt, flags, body)
}

func encodeConnect(p *ConnectPacket) []byte {
	var body []byte
	body = writeString(body, "MQTT")
	body = append(body, 4) // protocol level

	var flags byte
	if p.UsernameFlag {
		flags |= 0x80
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.WillFlag {
		if p.WillRetain {
			flags |= 0x20
		}
		flags |= byte(p.WillQoS) << 3
		flags |= 0x04
	}
	if p.CleanSession {
		flags |= 0x02
	}
	body = append(body, flags)
	body = writeUint16(body, p.KeepAlive)
	body = writeString(body, p.ClientID)

	if p.WillFlag {
		body = writeString(body, p.WillTopic)
		body = writeBinary(body, p.WillMessage)
	}
	if p.UsernameFlag {
		body = writeString(body, p.Username)
	}
	if p.PasswordFlag {
		body = writeBinary(body, p.Password)
	}
	return withFixedHeader(CONNECT, 0, body)
}

func encodeConnack(p *ConnackPacket) []byte {
	body := make([]byte, 2)
	if p.SessionPresent {
		body[0] = 1
	}
	body[1] = p.ReturnCode
	return withFixedHeader(CONNACK, 0, body)
}

func encodePublish(p *PublishPacket) []byte {
	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}

	var body []byte
	body = writeString(body, p.Topic)
	if p.QoS > 0 {
		body = writeUint16(body, p.PacketID)
	}
	body = append(body, p.Payload...)
	return withFixedHeader(PUBLISH, flags, body)
}

func encodeSubscribe(p *SubscribePacket) []byte {
	body := writeUint16(nil, p.PacketID)
	for _, s := range p.Subscriptions {
		body = writeString(body, s.Filter)
		body = append(body, byte(s.QoS))
	}
	return withFixedHeader(SUBSCRIBE, 0x02, body)
}

func encodeSuback(p *SubackPacket) []byte {
	body := writeUint16(nil, p.PacketID)
	body = append(body, p.ReturnCodes...)
	return withFixedHeader(SUBACK, 0, body)
}

func encodeUnsubscribe(p *UnsubscribePacket) []byte {
	body := writeUint16(nil, p.PacketID)
	for _, f := range p.Filters {
		body = writeString(body, f)
	}
	return withFixedHeader(UNSUBSCRIBE, 0x02, body)
}
