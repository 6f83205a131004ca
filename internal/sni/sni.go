// Package sni hand-parses a TLS ClientHello record far enough to extract the
// server_name extension, without driving a crypto/tls handshake. The bridge
// needs this host name before it has decided whether to terminate TLS at
// all, which is earlier than crypto/tls's own GetCertificate/ServerName
// callback ever fires.
package sni

import (
	"encoding/binary"
	"fmt"

	"github.com/relaymesh/bridgecore/internal/bridgeerr"
)

const (
	recordHandshake  = 0x16
	handshakeClient  = 0x01
	extServerName    = 0x0000
	sniHostNameEntry = 0x00
)

// Extract returns the host_name carried in data's server_name extension.
// data must contain at least one complete TLS record holding a ClientHello;
// it is never mutated and every slice access is bounds-checked, so a
// truncated or malformed input yields an error rather than a panic or an
// overread past what the bridge actually peeked.
func Extract(data []byte) (string, error) {
	if len(data) < 5 {
		return "", bridgeerr.ErrClientHelloTruncated
	}
	if data[0] != recordHandshake {
		return "", bridgeerr.ErrNotClientHello
	}
	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	body := data[5:]
	if recordLen > len(body) {
		return "", bridgeerr.ErrClientHelloTruncated
	}
	body = body[:recordLen]

	if len(body) < 4 {
		return "", bridgeerr.ErrClientHelloTruncated
	}
	if body[0] != handshakeClient {
		return "", bridgeerr.ErrNotClientHello
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	hello := body[4:]
	if hsLen > len(hello) {
		return "", bridgeerr.ErrClientHelloTruncated
	}
	hello = hello[:hsLen]

	r := &reader{buf: hello}

	if _, err := r.take(2); err != nil { // client_version
		return "", err
	}
	if _, err := r.take(32); err != nil { // random
		return "", err
	}
	sessionIDLen, err := r.byte()
	if err != nil {
		return "", err
	}
	if _, err := r.take(int(sessionIDLen)); err != nil {
		return "", err
	}
	cipherSuitesLen, err := r.uint16()
	if err != nil {
		return "", err
	}
	if _, err := r.take(int(cipherSuitesLen)); err != nil {
		return "", err
	}
	compressionLen, err := r.byte()
	if err != nil {
		return "", err
	}
	if _, err := r.take(int(compressionLen)); err != nil {
		return "", err
	}

	if r.remaining() == 0 {
		// No extensions block at all: a legal ClientHello, just without SNI.
		return "", bridgeerr.ErrNotClientHello
	}
	extsLen, err := r.uint16()
	if err != nil {
		return "", err
	}
	exts, err := r.take(int(extsLen))
	if err != nil {
		return "", err
	}

	return extractServerName(exts)
}

func extractServerName(exts []byte) (string, error) {
	r := &reader{buf: exts}
	for r.remaining() > 0 {
		extType, err := r.uint16()
		if err != nil {
			return "", err
		}
		extLen, err := r.uint16()
		if err != nil {
			return "", err
		}
		extData, err := r.take(int(extLen))
		if err != nil {
			return "", err
		}
		if extType != extServerName {
			continue
		}
		return parseServerNameList(extData)
	}
	return "", fmt.Errorf("sni: no server_name extension present")
}

func parseServerNameList(data []byte) (string, error) {
	r := &reader{buf: data}
	listLen, err := r.uint16()
	if err != nil {
		return "", err
	}
	list, err := r.take(int(listLen))
	if err != nil {
		return "", err
	}
	lr := &reader{buf: list}
	for lr.remaining() > 0 {
		nameType, err := lr.byte()
		if err != nil {
			return "", err
		}
		nameLen, err := lr.uint16()
		if err != nil {
			return "", err
		}
		name, err := lr.take(int(nameLen))
		if err != nil {
			return "", err
		}
		if nameType == sniHostNameEntry {
			return string(name), nil
		}
	}
	return "", fmt.Errorf("sni: server_name extension had no host_name entry")
}

// reader is a bounds-checked cursor over a byte slice.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, bridgeerr.ErrClientHelloTruncated
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}
