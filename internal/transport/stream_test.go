package transport

import (
	"net"
	"testing"
)

func TestConnStreamCloseIsIdempotent(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	s := NewConnStream(c1)
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close must return the same nil result: %v", err)
	}
}

func TestConnStreamPassesBytesThrough(t *testing.T) {
	c1, c2 := net.Pipe()
	s := NewConnStream(c1)
	defer s.Close()
	defer c2.Close()

	go c2.Write([]byte{0xC0, 0x00}) // PINGREQ

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 || buf[0] != 0xC0 || buf[1] != 0x00 {
		t.Fatalf("unexpected bytes: %v", buf[:n])
	}
}

func TestTLSConfigBuildRejectsMissingFiles(t *testing.T) {
	_, err := (TLSConfig{CertFile: "does/not/exist.pem", KeyFile: "does/not/exist.key"}).Build()
	if err == nil {
		t.Fatal("expected an error for missing certificate files")
	}
}
