package httpmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/bridgecore/internal/bridgeerr"
)

// Kind distinguishes a request message from a response message.
type Kind int

const (
	Request Kind = iota
	Response
)

// ReadChunk is the minimum capacity of the buffer ReadInto hands back,
// matching the spec's "guarantees buffer capacity >= configured read
// chunk (>=128 KiB)".
const ReadChunk = 128 * 1024

// PayloadCeiling is the hard limit on an accumulated buffering-mode payload.
const PayloadCeiling = 10 * 1024 * 1024

// MaxHeaderBlock bounds how many bytes Parse will accumulate while still
// looking for the end of the header block, before giving up with
// bridgeerr.ErrMalformed.
const MaxHeaderBlock = 1 << 20

// ContentClass is the coarse content-type classification the bridge uses to
// decide whether a body is worth buffering for inspection.
type ContentClass int

const (
	ClassOther ContentClass = iota
	ClassText
	ClassImage
)

// Message is the incremental HTTP/1.x request or response model: it owns the
// raw bytes and the parsed representation of one message, across however
// many socket reads it takes to complete.
type Message struct {
	Kind Kind

	ProtoMajor, ProtoMinor int
	Method, Target         string // request only
	StatusCode             int    // response only
	StatusText             string // response only

	Headers Headers
	Payload []byte

	HeadersComplete         bool
	PayloadComplete         bool
	HeadersSent             bool
	ConsumeAllBeforeSending bool // buffering mode ("inspect")
	ShouldBlock             int  // -1 whitelisted, 0 undecided, >=1 blocked category

	rawOverride []byte // set by SetPayload(bytes, includesHeaders=true)

	headerBuf     bytes.Buffer
	readBuf       [ReadChunk]byte
	chunked       bool
	contentLength int64 // -1 means "unknown, framed by close"
	bodyReceived  int64
	closeFramed   bool // true once the caller signals EOF for a close-framed body

	chunkState chunkScanner
}

// NewRequest returns a zero Message configured to parse a request.
func NewRequest() *Message {
	return &Message{Kind: Request, contentLength: -1, ProtoMajor: 1, ProtoMinor: 1}
}

// NewResponse returns a zero Message configured to parse a response.
func NewResponse() *Message {
	return &Message{Kind: Response, contentLength: -1, ProtoMajor: 1, ProtoMinor: 1}
}

// ReadInto returns the buffer the caller should pass to its next socket
// Read. In streaming mode, once headers are complete, the prior payload is
// cleared first so each read's bytes can be forwarded and dropped; in
// buffering mode the payload accumulates across reads instead.
func (m *Message) ReadInto() []byte {
	if m.HeadersComplete && !m.ConsumeAllBeforeSending {
		m.Payload = m.Payload[:0]
	}
	return m.readBuf[:]
}

// Parse feeds the most recent n bytes returned via ReadInto to the
// incremental parser.
func (m *Message) Parse(n int) error {
	data := m.readBuf[:n]

	if !m.HeadersComplete {
		return m.parseHeaderBytes(data)
	}
	return m.parseBodyBytes(data)
}

func (m *Message) parseHeaderBytes(data []byte) error {
	m.headerBuf.Write(data)

	idx := bytes.Index(m.headerBuf.Bytes(), []byte("\r\n\r\n"))
	if idx < 0 {
		if m.headerBuf.Len() > MaxHeaderBlock {
			return bridgeerr.ErrMalformed
		}
		return nil
	}

	headerBlock := m.headerBuf.Bytes()[:idx+4]
	leftover := append([]byte(nil), m.headerBuf.Bytes()[idx+4:]...)

	if err := m.parseHeaderBlock(headerBlock); err != nil {
		return err
	}
	m.HeadersComplete = true
	m.headerBuf.Reset()

	if _, hasUpgrade := m.Headers.Get("Upgrade"); hasUpgrade {
		m.Payload = append(m.Payload, leftover...)
		return bridgeerr.ErrUpgradeUnsupported
	}
	if m.Kind == Response && m.StatusCode == http.StatusSwitchingProtocols {
		m.Payload = append(m.Payload, leftover...)
		return bridgeerr.ErrUpgradeUnsupported
	}

	m.classifyFraming()

	if len(leftover) > 0 {
		return m.parseBodyBytes(leftover)
	}
	if m.contentLength == 0 {
		m.PayloadComplete = true
	}
	return nil
}

func (m *Message) parseHeaderBlock(block []byte) error {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))

	line, err := reader.ReadLine()
	if err != nil {
		return fmt.Errorf("%w: reading start line: %v", bridgeerr.ErrMalformed, err)
	}

	if m.Kind == Request {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return fmt.Errorf("%w: malformed request line %q", bridgeerr.ErrMalformed, line)
		}
		m.Method = parts[0]
		m.Target = parts[1]
		maj, min, ok := parseHTTPVersion(parts[2])
		if !ok {
			return fmt.Errorf("%w: malformed protocol %q", bridgeerr.ErrMalformed, parts[2])
		}
		m.ProtoMajor, m.ProtoMinor = maj, min
	} else {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return fmt.Errorf("%w: malformed status line %q", bridgeerr.ErrMalformed, line)
		}
		maj, min, ok := parseHTTPVersion(parts[0])
		if !ok {
			return fmt.Errorf("%w: malformed protocol %q", bridgeerr.ErrMalformed, parts[0])
		}
		m.ProtoMajor, m.ProtoMinor = maj, min
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("%w: malformed status code %q", bridgeerr.ErrMalformed, parts[1])
		}
		m.StatusCode = code
		if len(parts) == 3 {
			m.StatusText = parts[2]
		}
	}

	for {
		hline, err := reader.ReadLine()
		if err != nil {
			return fmt.Errorf("%w: reading headers: %v", bridgeerr.ErrMalformed, err)
		}
		if hline == "" {
			break
		}
		name, value, ok := strings.Cut(hline, ":")
		if !ok || name == "" {
			return fmt.Errorf("%w: malformed header line %q", bridgeerr.ErrMalformed, hline)
		}
		m.Headers.Add(name, strings.TrimSpace(value), false)
	}
	return nil
}

func (m *Message) classifyFraming() {
	m.chunked = false
	m.contentLength = -1

	if te, ok := m.Headers.Get("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		m.chunked = true
		m.chunkState = chunkScanner{}
		return
	}
	if cl, ok := m.Headers.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			m.contentLength = n
			return
		}
	}
	if m.Kind == Response && isBodylessStatus(m.StatusCode) {
		m.contentLength = 0
	}
	// A request with neither Content-Length nor chunked framing has no body.
	if m.Kind == Request {
		m.contentLength = 0
	}
}

func isBodylessStatus(code int) bool {
	return code == http.StatusNoContent || code == http.StatusNotModified || (code >= 100 && code < 200)
}

func (m *Message) parseBodyBytes(data []byte) error {
	if m.chunked {
		_, done, err := m.chunkState.Feed(data)
		if err != nil {
			return err
		}
		if err := m.appendPayload(data); err != nil {
			return err
		}
		if done {
			m.PayloadComplete = true
		}
		return nil
	}

	if m.contentLength >= 0 {
		remaining := m.contentLength - m.bodyReceived
		take := data
		if int64(len(take)) > remaining {
			take = take[:remaining]
		}
		if err := m.appendPayload(take); err != nil {
			return err
		}
		m.bodyReceived += int64(len(take))
		if m.bodyReceived >= m.contentLength {
			m.PayloadComplete = true
		}
		return nil
	}

	// Close-framed body: accumulate until the caller observes EOF.
	return m.appendPayload(data)
}

func (m *Message) appendPayload(data []byte) error {
	if m.ConsumeAllBeforeSending {
		if len(m.Payload)+len(data) > PayloadCeiling {
			return bridgeerr.ErrPayloadTooLarge
		}
		m.Payload = append(m.Payload, data...)
		return nil
	}
	m.Payload = append(m.Payload, data...)
	return nil
}

// MarkEOF tells a close-framed message (no Content-Length, not chunked)
// that the upstream closed the connection, completing the payload.
func (m *Message) MarkEOF() {
	if m.contentLength < 0 && !m.chunked {
		m.closeFramed = true
		m.PayloadComplete = true
	}
}

// WriteBuffer produces the bytes to transmit next. The first call after
// headers are complete serializes the status/request line and headers in
// front of the payload and latches HeadersSent; subsequent calls return the
// current Payload (in streaming mode ReadInto clears it before each read, so
// that is just the bytes of the latest read).
func (m *Message) WriteBuffer() []byte {
	if m.rawOverride != nil {
		out := m.rawOverride
		m.rawOverride = nil
		return out
	}
	if !m.HeadersSent {
		var sb strings.Builder
		m.writeStartLine(&sb)
		m.Headers.WriteTo(&sb)
		sb.WriteString("\r\n")
		m.HeadersSent = true
		return append([]byte(sb.String()), m.Payload...)
	}
	return m.Payload
}

func (m *Message) writeStartLine(sb *strings.Builder) {
	proto := fmt.Sprintf("HTTP/%d.%d", m.ProtoMajor, m.ProtoMinor)
	if m.Kind == Request {
		fmt.Fprintf(sb, "%s %s %s\r\n", m.Method, m.Target, proto)
		return
	}
	text := m.StatusText
	if text == "" {
		text = http.StatusText(m.StatusCode)
	}
	fmt.Fprintf(sb, "%s %d %s\r\n", proto, m.StatusCode, text)
}

// Header returns the first value for name, case-insensitively.
func (m *Message) Header(name string) (string, bool) { return m.Headers.Get(name) }

// AddHeader adds a header, optionally replacing any existing entries.
func (m *Message) AddHeader(name, value string, replace bool) { m.Headers.Add(name, value, replace) }

// RemoveHeader removes every entry for name (or only those matching value).
func (m *Message) RemoveHeader(name string, value ...string) { m.Headers.Remove(name, value...) }

// SetPayload replaces the payload. When includesHeaders is false, framing
// headers are stripped and a fresh Content-Length is written. When true, the
// supplied bytes are a complete wire-form message and the header map is
// discarded entirely.
func (m *Message) SetPayload(data []byte, includesHeaders bool) {
	if includesHeaders {
		m.Headers.Clear()
		m.rawOverride = data
		m.HeadersSent = false
		m.PayloadComplete = true
		return
	}
	m.Headers.Remove("Content-Length")
	m.Headers.Remove("Transfer-Encoding")
	m.Headers.Remove("Content-Encoding")
	m.Headers.Add("Content-Length", strconv.Itoa(len(data)), true)
	m.Payload = data
	m.PayloadComplete = true
}

// ClassifyContentType returns the coarse class the spec uses to drive the
// buffering decision, based on a case-insensitive substring match against
// Content-Type.
func (m *Message) ClassifyContentType() ContentClass {
	ct, _ := m.Header("Content-Type")
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "text/"), strings.Contains(ct, "html"), strings.Contains(ct, "json"):
		return ClassText
	case strings.Contains(ct, "image/"):
		return ClassImage
	case strings.Contains(ct, "css"), strings.Contains(ct, "javascript"):
		return ClassText
	default:
		return ClassOther
	}
}

func parseHTTPVersion(s string) (major, minor int, ok bool) {
	s = strings.TrimPrefix(s, "HTTP/")
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(parts[0])
	min, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, min, true
}

// epoch is the literal value the spec mandates for a blocked response's
// Expires header.
var epoch = time.Unix(0, 0).UTC()
