package httpmsg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/relaymesh/bridgecore/internal/bridgeerr"
)

func feed(t *testing.T, m *Message, raw []byte) error {
	t.Helper()
	for len(raw) > 0 {
		buf := m.ReadInto()
		n := copy(buf, raw)
		raw = raw[n:]
		if err := m.Parse(n); err != nil {
			return err
		}
		if m.PayloadComplete {
			return nil
		}
	}
	return nil
}

func TestMessage_HeaderRoundTrip(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nHost: example.com\r\nX-Thing: a\r\nX-Thing: b\r\nContent-Length: 0\r\n\r\n"
	m := NewRequest()
	if err := feed(t, m, []byte(raw)); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if !m.HeadersComplete || !m.PayloadComplete {
		t.Fatalf("expected headers and payload complete")
	}
	if got, _ := m.Header("host"); got != "example.com" {
		t.Errorf("Header(\"host\") = %q, want example.com (case-insensitive lookup)", got)
	}
	vals := m.Headers.Values("X-Thing")
	if len(vals) != 2 || vals[0] != "a" || vals[1] != "b" {
		t.Errorf("Values(X-Thing) = %v, want [a b] (duplicate headers preserved)", vals)
	}
}

func TestMessage_ChunkedToFixedLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	m := NewResponse()
	m.ConsumeAllBeforeSending = true
	if err := feed(t, m, []byte(raw)); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if !m.PayloadComplete {
		t.Fatalf("expected payload complete after terminal chunk")
	}
	if err := m.ConvertChunkedToFixedLength(); err != nil {
		t.Fatalf("ConvertChunkedToFixedLength failed: %v", err)
	}
	if string(m.Payload) != "hello world" {
		t.Errorf("Payload = %q, want %q", m.Payload, "hello world")
	}
	if cl, ok := m.Header("Content-Length"); !ok || cl != "11" {
		t.Errorf("Content-Length = %q, want 11", cl)
	}
	if m.Headers.Has("Transfer-Encoding") {
		t.Errorf("Transfer-Encoding should have been removed")
	}
}

func TestMessage_MalformedChunkSize(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nZZZ\r\nhello\r\n0\r\n\r\n"
	m := NewResponse()
	err := feed(t, m, []byte(raw))
	if err == nil {
		t.Fatalf("expected malformed chunk size to error")
	}
	if !errors.Is(err, bridgeerr.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecompress_GzipRoundTrip(t *testing.T) {
	compressed, err := CompressGzip([]byte("payload data"))
	if err != nil {
		t.Fatalf("CompressGzip failed: %v", err)
	}
	out, err := Decompress("gzip", compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if string(out) != "payload data" {
		t.Errorf("round trip = %q, want %q", out, "payload data")
	}
}

func TestDecompress_Empty(t *testing.T) {
	out, err := Decompress("gzip", nil)
	if err != nil {
		t.Fatalf("Decompress(empty) failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Decompress(empty) = %q, want empty", out)
	}
}

func TestDecompress_DeflateRoundTrip(t *testing.T) {
	compressed, err := CompressDeflate([]byte("other payload"))
	if err != nil {
		t.Fatalf("CompressDeflate failed: %v", err)
	}
	out, err := Decompress("deflate", compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if string(out) != "other payload" {
		t.Errorf("round trip = %q, want %q", out, "other payload")
	}
}

func TestMake204(t *testing.T) {
	m := Make204()
	out := m.WriteBuffer()
	if !bytes.Contains(out, []byte("204 No Content")) {
		t.Errorf("Make204 output missing status line: %q", out)
	}
	if !bytes.Contains(out, []byte("Content-Length: 0")) {
		t.Errorf("Make204 output missing Content-Length: 0: %q", out)
	}
	if !bytes.Contains(out, []byte("Expires: Thu, 01 Jan 1970")) {
		t.Errorf("Make204 output missing epoch Expires header: %q", out)
	}
}

func TestMessage_PayloadTooLarge(t *testing.T) {
	m := NewRequest()
	m.ConsumeAllBeforeSending = true
	m.HeadersComplete = true
	m.contentLength = -1
	big := bytes.Repeat([]byte("a"), PayloadCeiling+1)
	if err := m.parseBodyBytes(big); err != bridgeerr.ErrPayloadTooLarge {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}
