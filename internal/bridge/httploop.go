package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/bridgecore/internal/bridgeerr"
	"github.com/relaymesh/bridgecore/internal/history"
	"github.com/relaymesh/bridgecore/internal/httpmsg"
	"github.com/relaymesh/bridgecore/internal/metrics"
	"github.com/relaymesh/bridgecore/internal/policy"
)

// stripAlways lists the headers the bridge removes from every intercepted
// message, to prevent SDCH/QUIC upgrade hints and certificate pinning from
// defeating the MITM.
var stripAlways = []string{
	"X-SDCH", "Avail-Dictionary", "Get-Dictionary",
	"Alternate-Protocol", "Alt-Svc",
	"Public-Key-Pins", "Public-Key-Pins-Report-Only",
}

// httpLoop drives READ_REQ_HEADERS through WRITE_RESP, looping while the
// transaction stays keep-alive, starting from prelude bytes already read off
// the wire as part of peek classification.
func (s *session) httpLoop(ctx context.Context, prelude []byte) {
	first := true
	for {
		req := httpmsg.NewRequest()

		var err error
		if first {
			err = feedPrelude(req, prelude)
			first = false
		}
		if err == nil && !req.HeadersComplete {
			err = readHeaders(req, s.client, s.bridge.IdleTimeout)
		}
		if err != nil {
			if errors.Is(err, bridgeerr.ErrUpgradeUnsupported) {
				s.forwardUpgradePrelude(req)
			}
			return
		}

		host := s.requestHost(req)
		action := s.bridge.Hooks.OnMessageBegin(host, req)
		if action == policy.Block {
			s.respondBlocked()
			s.recordTransaction(req, nil, true, "blocked by policy")
			return
		}

		if action == policy.Whitelist {
			req.ShouldBlock = -1
		}
		req.ConsumeAllBeforeSending = action == policy.AllowInspect
		applyRequestHeaderRewrites(req)

		if req.ConsumeAllBeforeSending {
			if err := drainBody(req, s.client, s.bridge.IdleTimeout); err != nil {
				return
			}
			if _, err := s.upstream.Write(req.WriteBuffer()); err != nil {
				return
			}
		} else {
			if _, err := s.upstream.Write(req.WriteBuffer()); err != nil {
				return
			}
			if err := streamBody(req, s.client, s.upstream, s.bridge.IdleTimeout); err != nil {
				return
			}
		}

		resp := httpmsg.NewResponse()
		if err := readHeaders(resp, s.upstream, s.bridge.IdleTimeout); err != nil {
			return
		}

		// Re-check by type: the response phase gets its own on_message_begin
		// call so a policy can upgrade to AllowInspect once it has seen the
		// response Content-Type, even if the request alone looked benign.
		respAction := s.bridge.Hooks.OnMessageBegin(host, resp)
		if respAction == policy.Block {
			s.respondBlocked()
			s.recordTransaction(req, resp, true, "blocked by policy")
			return
		}
		if respAction == policy.Whitelist {
			resp.ShouldBlock = -1
		}

		resp.ConsumeAllBeforeSending = req.ConsumeAllBeforeSending || respAction == policy.AllowInspect
		applyResponseHeaderRewrites(resp)

		if resp.ConsumeAllBeforeSending {
			if err := drainBody(resp, s.upstream, s.bridge.IdleTimeout); err != nil {
				return
			}
			if err := decodeBody(resp); err != nil {
				return
			}
			if resp.ClassifyContentType() == httpmsg.ClassText {
				contentType, _ := resp.Header("Content-Type")
				if category := s.bridge.Hooks.ClassifyContent(resp.Payload, contentType); category != 0 {
					resp.ShouldBlock = int(category)
					s.respondBlocked()
					s.recordTransaction(req, resp, true, "blocked by content classification")
					return
				}
			}
			shouldBlock, replacement := s.bridge.Hooks.OnMessageEnd(host, req, resp)
			if shouldBlock {
				if len(replacement) > 0 {
					if _, err := s.client.Write(replacement); err != nil {
						return
					}
				} else {
					s.respondBlocked()
				}
				s.recordTransaction(req, resp, true, "blocked by policy")
				return
			}
			if replacement != nil {
				resp.SetPayload(replacement, false)
			}
			if _, err := s.client.Write(resp.WriteBuffer()); err != nil {
				return
			}
		} else {
			if _, err := s.client.Write(resp.WriteBuffer()); err != nil {
				return
			}
			if err := streamBody(resp, s.upstream, s.client, s.bridge.IdleTimeout); err != nil {
				return
			}
		}

		s.recordTransaction(req, resp, false, "")

		if !keepAlive(req, resp) {
			return
		}
	}
}

func (s *session) requestHost(req *httpmsg.Message) string {
	if s.host != "" {
		return s.host
	}
	if h, ok := req.Header("Host"); ok {
		return h
	}
	return req.Target
}

// feedPrelude copies already-peeked bytes into req's internal read buffer so
// the incremental parser sees them as its first Parse call.
func feedPrelude(req *httpmsg.Message, data []byte) error {
	buf := req.ReadInto()
	n := copy(buf, data)
	return req.Parse(n)
}

func readHeaders(m *httpmsg.Message, src net.Conn, idleTimeout time.Duration) error {
	for !m.HeadersComplete {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		buf := m.ReadInto()
		n, err := src.Read(buf)
		if n > 0 {
			if perr := m.Parse(n); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// drainBody reads and accumulates m's body fully, used when the body must be
// buffered before a policy decision or rewrite.
func drainBody(m *httpmsg.Message, src net.Conn, idleTimeout time.Duration) error {
	for !m.PayloadComplete {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		buf := m.ReadInto()
		n, err := src.Read(buf)
		if n > 0 {
			if perr := m.Parse(n); perr != nil {
				return perr
			}
		}
		if err != nil {
			if err == io.EOF {
				m.MarkEOF()
				return nil
			}
			return err
		}
	}
	return nil
}

// decodeBody normalizes a fully buffered message to plain decoded bytes:
// dechunk first, since Content-Encoding must be read before
// ConvertChunkedToFixedLength's SetPayload call strips it, then decompress.
func decodeBody(m *httpmsg.Message) error {
	contentEncoding, _ := m.Header("Content-Encoding")
	if err := m.ConvertChunkedToFixedLength(); err != nil {
		return err
	}
	if contentEncoding == "" {
		return nil
	}
	decoded, err := httpmsg.Decompress(contentEncoding, m.Payload)
	if err != nil {
		return err
	}
	m.SetPayload(decoded, false)
	return nil
}

// streamBody reads m's body chunk by chunk, immediately forwarding each
// chunk to dst, used on the allow/whitelist path where nothing needs to
// inspect the body first.
func streamBody(m *httpmsg.Message, src net.Conn, dst net.Conn, idleTimeout time.Duration) error {
	for !m.PayloadComplete {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		buf := m.ReadInto()
		n, err := src.Read(buf)
		if n > 0 {
			if perr := m.Parse(n); perr != nil {
				return perr
			}
			if _, werr := dst.Write(m.WriteBuffer()); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				m.MarkEOF()
				if _, werr := dst.Write(m.WriteBuffer()); werr != nil {
					return werr
				}
				return nil
			}
			return err
		}
	}
	return nil
}

func applyRequestHeaderRewrites(req *httpmsg.Message) {
	for _, h := range stripAlways {
		req.RemoveHeader(h)
	}
	req.AddHeader("Accept-Encoding", "gzip", true)
}

func applyResponseHeaderRewrites(resp *httpmsg.Message) {
	for _, h := range stripAlways {
		resp.RemoveHeader(h)
	}
}

// keepAlive decides from the response: HTTP/1.0 defaults to close unless it
// carries Connection: keep-alive, HTTP/1.1 defaults to keep-alive, and a
// Connection: close on either side always wins. Blocked transactions never
// reach this check; httpLoop returns on every block path.
func keepAlive(req, resp *httpmsg.Message) bool {
	if connClose(req) || connClose(resp) {
		return false
	}
	if resp.ProtoMajor == 1 && resp.ProtoMinor == 0 {
		return connKeepAlive(resp)
	}
	return true
}

func connClose(m *httpmsg.Message) bool {
	v, ok := m.Header("Connection")
	return ok && strings.EqualFold(strings.TrimSpace(v), "close")
}

func connKeepAlive(m *httpmsg.Message) bool {
	v, ok := m.Header("Connection")
	return ok && strings.EqualFold(strings.TrimSpace(v), "keep-alive")
}

// forwardUpgradePrelude re-synthesizes enough of the parsed request to
// forward it upstream verbatim before handing the connection to pass-through
// volleying; the incremental parser already consumed and tokenized it, so it
// is re-serialized rather than replayed byte-for-byte.
func (s *session) forwardUpgradePrelude(req *httpmsg.Message) {
	if req.Method == "" {
		return
	}
	req.HeadersSent = false
	if _, err := s.upstream.Write(req.WriteBuffer()); err != nil {
		return
	}
	s.passthrough()
}

func (s *session) respondBlocked() {
	resp := httpmsg.Make204()
	_, _ = s.client.Write(resp.WriteBuffer())
}

func (s *session) recordTransaction(req, resp *httpmsg.Message, blocked bool, reason string) {
	if blocked {
		metrics.BlockedTotal.Add(1)
	} else {
		metrics.TransactionsTotal.Add(1)
	}
	if s.bridge.Recorder == nil && s.bridge.Feed == nil {
		return
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	} else if blocked {
		status = http.StatusNoContent
	}
	rec := &history.TransactionRecord{
		FlowID:      newFlowID(),
		SessionID:   s.sessionID,
		Timestamp:   time.Now(),
		Host:        s.host,
		Method:      req.Method,
		URL:         req.Target,
		StatusCode:  status,
		Blocked:     blocked,
		BlockReason: reason,
	}
	if s.bridge.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.bridge.Recorder.Record(ctx, rec)
		cancel()
	}
	if s.bridge.Feed != nil {
		s.bridge.Feed.BroadcastTransaction(rec)
	}
}

func newFlowID() string {
	return uuid.New().String()
}
