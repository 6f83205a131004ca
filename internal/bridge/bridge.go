// Package bridge implements the per-connection state machine at the core of
// the proxy: peek classification, TLS SNI extraction, upstream
// resolve/connect/handshake, certificate spoofing via internal/tls,
// request/response parsing via internal/httpmsg, and policy-driven
// mutation via internal/policy — grounded on the teacher's
// internal/proxy/mitm.go and internal/proxy/tunnel.go, generalized from an
// http.Server-dispatched CONNECT proxy to a transparent listener that owns
// the raw connection end to end.
package bridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/bridgecore/internal/bridgeerr"
	"github.com/relaymesh/bridgecore/internal/history"
	"github.com/relaymesh/bridgecore/internal/httpmsg"
	"github.com/relaymesh/bridgecore/internal/live"
	"github.com/relaymesh/bridgecore/internal/metrics"
	"github.com/relaymesh/bridgecore/internal/policy"
	"github.com/relaymesh/bridgecore/internal/preview"
	"github.com/relaymesh/bridgecore/internal/sni"
	bridgetls "github.com/relaymesh/bridgecore/internal/tls"
)

const (
	defaultIdleTimeout = 5 * time.Minute
	defaultDialTimeout = 10 * time.Second
	peekSize           = 16 * 1024
	tunnelBufSize      = 32 * 1024
)

// Bridge holds the dependencies shared across every accepted connection; one
// Bridge is created per listener and handles connections concurrently with
// no shared per-connection state.
type Bridge struct {
	CertCache                  *bridgetls.CertCache
	Hooks                      policy.Hooks
	Recorder                   history.Recorder
	Feed                       *live.Hub
	Logger                     *slog.Logger
	Resolver                   *net.Resolver
	DialTimeout                time.Duration
	IdleTimeout                time.Duration
	InsecureSkipVerifyUpstream bool
}

// New returns a Bridge with the given required dependencies and sensible
// defaults for the rest.
func New(certCache *bridgetls.CertCache, hooks policy.Hooks, logger *slog.Logger) *Bridge {
	if hooks == nil {
		hooks = policy.NoOpHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		CertCache:    certCache,
		Hooks:        hooks,
		Recorder:     history.NoOpRecorder{},
		Logger:       logger,
		Resolver:     net.DefaultResolver,
		DialTimeout:  defaultDialTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
}

// Serve accepts connections from ln until ctx is cancelled, handling each on
// its own goroutine.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("bridge: accept: %w", err)
			}
		}
		go b.handle(ctx, conn)
	}
}

// handle drives one accepted connection from peek classification through
// teardown, recovering from any unexpected panic so one bad connection never
// takes the listener down.
func (b *Bridge) handle(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Add(1)
	sessionID := uuid.New().String()
	logger := b.Logger.With("session_id", sessionID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bridge: recovered from panic", "panic", r)
		}
	}()

	s := &session{
		bridge:    b,
		logger:    logger,
		sessionID: sessionID,
		client:    conn,
	}
	s.run(ctx)
}

// session is the mutable per-connection state; it is used by the goroutine
// driving run() and, during pass-through, by the two copy goroutines, which
// share it only through close().
type session struct {
	bridge    *Bridge
	logger    *slog.Logger
	sessionID string

	client   net.Conn
	upstream net.Conn
	host     string
	blocked  bool

	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.client.Close()
		}
		if s.upstream != nil {
			s.upstream.Close()
		}
	})
}

func (s *session) run(ctx context.Context) {
	defer s.close()

	_ = s.client.SetReadDeadline(time.Now().Add(s.bridge.IdleTimeout))
	peek := make([]byte, peekSize)
	n, err := s.client.Read(peek)
	if err != nil || n == 0 {
		return
	}
	peek = peek[:n]

	if peek[0] == 0x16 {
		s.runTLS(ctx, peek)
		return
	}
	s.runPlain(ctx, peek)
}

// runPlain handles a plaintext connection: classify, resolve from the Host
// header, connect, then either pass through (Upgrade/non-HTTP) or enter the
// HTTP transaction loop.
func (s *session) runPlain(ctx context.Context, peek []byte) {
	outcome, host := preview.Classify(peek)
	if outcome == preview.NotHttp || host == "" {
		s.logger.Debug("bridge: plaintext connection is not HTTP or has no Host header, closing")
		return
	}
	s.host = host

	if s.bridge.Hooks.FirewallCheck(host) == policy.Block {
		s.writeBlockedPlain()
		return
	}

	upstream, err := s.connectUpstream(ctx, host, 80)
	if err != nil {
		s.logger.Debug("bridge: upstream connect failed", "host", host, "error", err)
		return
	}
	s.upstream = upstream

	if outcome == preview.HttpWithUpgrade {
		if _, err := s.upstream.Write(peek); err != nil {
			return
		}
		s.passthrough()
		return
	}

	s.httpLoop(ctx, peek)
}

// runTLS handles a TLS connection: extract SNI, resolve, connect and
// handshake upstream, spoof a downstream certificate, handshake downstream,
// then enter the HTTP transaction loop over the decrypted stream.
func (s *session) runTLS(ctx context.Context, peek []byte) {
	host, err := sni.Extract(peek)
	if err != nil {
		s.logger.Debug("bridge: SNI extraction failed, closing", "error", err)
		return
	}
	s.host = host

	if s.bridge.Hooks.FirewallCheck(host) == policy.Block {
		metrics.BlockedTotal.Add(1)
		return
	}

	upstreamRaw, err := s.connectUpstream(ctx, host, 443)
	if err != nil {
		s.logger.Debug("bridge: upstream connect failed", "host", host, "error", err)
		return
	}

	var leaf *x509.Certificate
	upstreamTLS := tls.Client(upstreamRaw, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: s.bridge.InsecureSkipVerifyUpstream,
		NextProtos:         []string{"http/1.1"},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return bridgeerr.ErrCertVerification
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("%w: %v", bridgeerr.ErrCertVerification, err)
			}
			leaf = cert
			return nil
		},
	})
	if err := upstreamTLS.HandshakeContext(ctx); err != nil {
		s.logger.Debug("bridge: upstream TLS handshake failed", "host", host, "error", err)
		upstreamRaw.Close()
		return
	}
	if leaf == nil {
		// The callback did not record a leaf; fall back to the negotiated
		// chain.
		state := upstreamTLS.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			leaf = state.PeerCertificates[0]
		}
	}
	s.upstream = upstreamTLS

	serverCert, err := s.bridge.CertCache.GetServerContext(host, leaf)
	if err != nil {
		s.logger.Debug("bridge: certificate spoof failed", "host", host, "error", err)
		return
	}

	downstreamTLS := tls.Server(s.client, &tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		NextProtos:   []string{"http/1.1"},
	})
	if err := downstreamTLS.HandshakeContext(ctx); err != nil {
		s.logger.Debug("bridge: downstream TLS handshake failed", "host", host, "error", err)
		return
	}
	s.client = downstreamTLS

	_ = s.client.SetReadDeadline(time.Now().Add(s.bridge.IdleTimeout))
	firstPeek := make([]byte, peekSize)
	n, err := s.client.Read(firstPeek)
	if err != nil || n == 0 {
		return
	}
	firstPeek = firstPeek[:n]

	outcome, _ := preview.Classify(firstPeek)
	if outcome == preview.NotHttp {
		if _, err := s.upstream.Write(firstPeek); err != nil {
			return
		}
		s.passthrough()
		return
	}
	if outcome == preview.HttpWithUpgrade {
		if _, err := s.upstream.Write(firstPeek); err != nil {
			return
		}
		s.passthrough()
		return
	}

	s.httpLoop(ctx, firstPeek)
}

// connectUpstream resolves host (stripping any explicit port, which
// overrides defaultPort) and tries every returned address in order,
// matching the spec's resolver-retry-all-addresses fix.
func (s *session) connectUpstream(ctx context.Context, hostport string, defaultPort int) (net.Conn, error) {
	host, port := hostport, strconv.Itoa(defaultPort)
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, port = h, p
	}

	addrs, err := s.bridge.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("bridge: resolve %s: %w", host, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.bridge.DialTimeout)
	defer cancel()

	var lastErr error
	for _, addr := range addrs {
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = bridgeerr.ErrNoUpstreamAddress
	}
	return nil, fmt.Errorf("%w: %v", bridgeerr.ErrNoUpstreamAddress, lastErr)
}

// passthrough volleys raw bytes bidirectionally until either side closes or
// goes idle, used for WebSocket upgrades and TLS-wrapped non-HTTP protocols.
func (s *session) passthrough() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyIdle(s.upstream, s.client, s.bridge.IdleTimeout)
		s.close()
	}()
	go func() {
		defer wg.Done()
		copyIdle(s.client, s.upstream, s.bridge.IdleTimeout)
		s.close()
	}()
	wg.Wait()
}

func copyIdle(dst net.Conn, src net.Conn, idleTimeout time.Duration) {
	buf := make([]byte, tunnelBufSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *session) writeBlockedPlain() {
	metrics.BlockedTotal.Add(1)
	resp := httpmsg.Make204()
	s.client.Write(resp.WriteBuffer())
}
