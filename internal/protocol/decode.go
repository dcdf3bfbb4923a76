package protocol

// Decode attempts to parse one packet from the front of buf. On success it
// returns the packet and the number of bytes consumed. If buf holds a
// proper prefix of an encoded packet, it returns ErrNeedMoreData and the
// caller should read more bytes and retry — this package performs no I/O
// and never blocks.
func Decode(buf []byte) (Packet, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMoreData
	}
	pt := PacketType(buf[0] >> 4)
	flags := buf[0] & 0x0F

	remLen, varintLen, err := decodeRemainingLength(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	headerLen := 1 + varintLen
	total := headerLen + remLen
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}
	body := buf[headerLen:total]

	if err := validateFixedFlags(pt, flags); err != nil {
		return nil, 0, err
	}

	pkt, err := decodeBody(pt, flags, body)
	if err != nil {
		return nil, 0, err
	}
	return pkt, total, nil
}

// validateFixedFlags enforces the reserved low-nibble values MQTT 3.1.1
// mandates for packet types whose flags are not otherwise meaningful.
func validateFixedFlags(pt PacketType, flags byte) error {
	switch pt {
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		if flags != 0x02 {
			return malformed("%s: reserved flags must be 0010, got %04b", pt, flags)
		}
	case CONNECT, CONNACK, PUBACK, PUBREC, PUBCOMP, SUBACK, UNSUBACK, PINGREQ, PINGRESP, DISCONNECT:
		if flags != 0x00 {
			return malformed("%s: reserved flags must be 0000, got %04b", pt, flags)
		}
	case PUBLISH:
		// flags carry DUP/QoS/RETAIN; QoS==3 is invalid.
		if (flags>>1)&0x03 == 3 {
			return malformed("PUBLISH: invalid QoS value 3")
		}
	default:
		return malformed("unknown packet type %d", byte(pt))
	}
	return nil
}

func decodeBody(pt PacketType, flags byte, body []byte) (Packet, error) {
	switch pt {
	case CONNECT:
		return decodeConnect(body)
	case CONNACK:
		return decodeConnack(body)
	case PUBLISH:
		return decodePublish(flags, body)
	case PUBACK:
		id, err := decodeIDOnly(body)
		return &PubackPacket{PacketID: id}, err
	case PUBREC:
		id, err := decodeIDOnly(body)
		return &PubrecPacket{PacketID: id}, err
	case PUBREL:
		id, err := decodeIDOnly(body)
		return &PubrelPacket{PacketID: id}, err
	case PUBCOMP:
		id, err := decodeIDOnly(body)
		return &PubcompPacket{PacketID: id}, err
	case SUBSCRIBE:
		return decodeSubscribe(body)
	case SUBACK:
		return decodeSuback(body)
	case UNSUBSCRIBE:
		return decodeUnsubscribe(body)
	case UNSUBACK:
		id, err := decodeIDOnly(body)
		return &UnsubackPacket{PacketID: id}, err
	case PINGREQ:
		return &PingreqPacket{}, nil
	case PINGRESP:
		return &PingrespPacket{}, nil
	case DISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, malformed("unknown packet type %d", byte(pt))
	}
}

func decodeIDOnly(body []byte) (uint16, error) {
	id, n, err := readUint16(body)
	if err != nil {
		return 0, err
	}
	if n != len(body) {
		return 0, malformed("trailing bytes after packet id")
	}
	return id, nil
}

func decodeConnect(body []byte) (*ConnectPacket, error) {
	p := &ConnectPacket{}
	off := 0

	name, n, err := readString(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	p.ProtocolName = name
	if name != "MQTT" {
		return nil, &Error{Kind: ErrUnsupportedVersion, Msg: "protocol name must be MQTT"}
	}

	if len(body) < off+1 {
		return nil, malformed("CONNECT: truncated before protocol level")
	}
	p.ProtocolLevel = body[off]
	off++
	if p.ProtocolLevel != 4 {
		return nil, &Error{Kind: ErrUnsupportedVersion, Msg: "protocol level must be 4"}
	}

	if len(body) < off+1 {
		return nil, malformed("CONNECT: truncated before connect flags")
	}
	flags := body[off]
	off++
	if flags&0x01 != 0 {
		return nil, malformed("CONNECT: reserved flag bit set")
	}
	p.UsernameFlag = flags&0x80 != 0
	p.PasswordFlag = flags&0x40 != 0
	p.WillRetain = flags&0x20 != 0
	p.WillQoS = QoS((flags >> 3) & 0x03)
	p.WillFlag = flags&0x04 != 0
	p.CleanSession = flags&0x02 != 0
	if !p.WillFlag && (p.WillQoS != 0 || p.WillRetain) {
		return nil, protocolViolation("CONNECT: will QoS/retain set without will flag")
	}
	if p.WillQoS > 2 {
		return nil, malformed("CONNECT: invalid will QoS")
	}

	ka, n, err := readUint16(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	p.KeepAlive = ka

	clientID, n, err := readString(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	p.ClientID = clientID

	if p.WillFlag {
		willTopic, n, err := readString(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		p.WillTopic = willTopic

		willMsg, n, err := readBinary(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		p.WillMessage = willMsg
	}

	if p.UsernameFlag {
		username, n, err := readString(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		p.Username = username
	}

	if p.PasswordFlag {
		password, n, err := readBinary(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		p.Password = password
	}

	if off != len(body) {
		return nil, malformed("CONNECT: trailing bytes")
	}
	return p, nil
}

func decodeConnack(body []byte) (*ConnackPacket, error) {
	if len(body) != 2 {
		return nil, malformed("CONNACK: expected 2 bytes, got %d", len(body))
	}
	if body[0]&0xFE != 0 {
		return nil, malformed("CONNACK: reserved bits set in session-present byte")
	}
	return &ConnackPacket{SessionPresent: body[0]&0x01 != 0, ReturnCode: body[1]}, nil
}

func decodePublish(flags byte, body []byte) (*PublishPacket, error) {
	p := &PublishPacket{
		Dup:    flags&0x08 != 0,
		QoS:    QoS((flags >> 1) & 0x03),
		Retain: flags&0x01 != 0,
	}
	off := 0
	topic, n, err := readString(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	if !ValidTopicName(topic) {
		return nil, protocolViolation("PUBLISH: topic %q contains wildcard characters", topic)
	}
	p.Topic = topic

	if p.QoS > 0 {
		id, n, err := readUint16(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		if id == 0 {
			return nil, protocolViolation("PUBLISH: packet id 0 is reserved")
		}
		p.PacketID = id
	}

	p.Payload = append([]byte(nil), body[off:]...)
	return p, nil
}

func decodeSubscribe(body []byte) (*SubscribePacket, error) {
	p := &SubscribePacket{}
	off := 0
	id, n, err := readUint16(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	p.PacketID = id

	for off < len(body) {
		filter, n, err := readString(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		if !ValidTopicFilter(filter) {
			return nil, protocolViolation("SUBSCRIBE: malformed topic filter %q", filter)
		}
		if off >= len(body) {
			return nil, malformed("SUBSCRIBE: missing requested QoS")
		}
		qos := QoS(body[off])
		off++
		if qos > 2 {
			return nil, malformed("SUBSCRIBE: invalid requested QoS %d", qos)
		}
		p.Subscriptions = append(p.Subscriptions, Subscription{Filter: filter, QoS: qos})
	}
	if len(p.Subscriptions) == 0 {
		return nil, protocolViolation("SUBSCRIBE: must contain at least one filter")
	}
	return p, nil
}

func decodeSuback(body []byte) (*SubackPacket, error) {
	if len(body) < 2 {
		return nil, malformed("SUBACK: truncated")
	}
	id, n, _ := readUint16(body)
	return &SubackPacket{PacketID: id, ReturnCodes: append([]byte(nil), body[n:]...)}, nil
}

func decodeUnsubscribe(body []byte) (*UnsubscribePacket, error) {
	p := &UnsubscribePacket{}
	off := 0
	id, n, err := readUint16(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	p.PacketID = id

	for off < len(body) {
		filter, n, err := readString(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		if !ValidTopicFilter(filter) {
			return nil, protocolViolation("UNSUBSCRIBE: malformed topic filter %q", filter)
		}
		p.Filters = append(p.Filters, filter)
	}
	if len(p.Filters) == 0 {
		return nil, protocolViolation("UNSUBSCRIBE: must contain at least one filter")
	}
	return p, nil
}
