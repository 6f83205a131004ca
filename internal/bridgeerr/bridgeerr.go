// Package bridgeerr holds the small closed set of sentinel errors the bridge
// and HTTP message layer use to classify a failure without resorting to
// exception-style control flow.
package bridgeerr

import "errors"

var (
	// ErrPayloadTooLarge is returned when a buffering-mode message would
	// exceed the configured payload ceiling.
	ErrPayloadTooLarge = errors.New("httpmsg: payload exceeds buffering ceiling")

	// ErrMalformed is returned by the incremental parser on framing errors
	// it cannot recover from.
	ErrMalformed = errors.New("httpmsg: malformed message")

	// ErrUpgradeUnsupported signals an HTTP Upgrade the bridge does not
	// parse further; the caller falls back to pass-through.
	ErrUpgradeUnsupported = errors.New("httpmsg: upgrade requested, falling back to passthrough")

	// ErrAmbiguousSpoof mirrors tls.ErrAmbiguousSpoof for callers that only
	// import bridgeerr.
	ErrAmbiguousSpoof = errors.New("bridge: ambiguous spoof, certificate names collided")

	// ErrCertVerification is returned when the upstream leaf fails
	// verification; the bridge never forges a certificate for an origin it
	// could not verify.
	ErrCertVerification = errors.New("bridge: upstream certificate verification failed")

	// ErrClientHelloTruncated is returned by the SNI extractor when the
	// supplied bytes end before a required field.
	ErrClientHelloTruncated = errors.New("sni: client hello truncated")

	// ErrNotClientHello is returned when the supplied bytes are not a TLS
	// handshake ClientHello record at all, and also for a ClientHello that
	// carries no extensions block.
	ErrNotClientHello = errors.New("sni: not a tls client hello")

	// ErrNoUpstreamAddress is returned when host resolution succeeds but
	// every resolved address refused the connection.
	ErrNoUpstreamAddress = errors.New("bridge: no resolved upstream address accepted a connection")
)
