// Package handler implements the per-connection protocol state machine:
// the reader/writer loops, the keepalive monitor, and the
// QoS 1/2 flow-control machines, expressed as explicit tagged states and
// transitions rather than scattered conditionals.
package handler

import (
	"io"

	"github.com/nyxlabs/nyxmq/internal/protocol"
	"github.com/nyxlabs/nyxmq/internal/transport"
)

// defaultReadChunk is how much we grow buf by on each underlying Read.
const defaultReadChunk = 4096

// FrameReader incrementally decodes packets from a transport.Stream,
// buffering a partial packet across short reads. It is shared by the
// broker (to read the initial CONNECT before a Handler exists) and by the
// Handler's steady-state reader loop, so a partially read packet is never
// dropped across that handoff.
type FrameReader struct {
	stream transport.Stream
	buf    []byte
	onRead func(n int)
}

// NewFrameReader wraps stream. onRead, if non-nil, is called after every
// successful underlying Read with the byte count — used to reset the
// keepalive timer on any inbound byte.
func NewFrameReader(stream transport.Stream, onRead func(n int)) *FrameReader {
	return &FrameReader{stream: stream, onRead: onRead}
}

// SetOnRead replaces the read callback. The broker constructs a
// FrameReader before a Handler exists (to read the initial CONNECT), then
// rebinds the callback once the Handler is built.
func (fr *FrameReader) SetOnRead(onRead func(n int)) {
	fr.onRead = onRead
}

// ReadPacket blocks until one full packet is available, decoding it from
// already-buffered bytes first and pulling more from the stream only as
// needed.
func (fr *FrameReader) ReadPacket() (protocol.Packet, error) {
	for {
		pkt, n, err := protocol.Decode(fr.buf)
		if err == nil {
			fr.buf = append([]byte(nil), fr.buf[n:]...)
			return pkt, nil
		}
		if err != protocol.ErrNeedMoreData {
			return nil, err
		}

		chunk := make([]byte, defaultReadChunk)
		n, rerr := fr.stream.Read(chunk)
		if n > 0 {
			fr.buf = append(fr.buf, chunk[:n]...)
			if fr.onRead != nil {
				fr.onRead(n)
			}
		}
		if rerr != nil {
			if rerr == io.EOF && n > 0 {
				continue // process what we just buffered before surfacing EOF
			}
			return nil, rerr
		}
	}
}
