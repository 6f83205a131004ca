// Package policy defines the bridge's decision ABI: given an in-flight
// request (and later, response), a Hooks implementation decides whether
// traffic is allowed through untouched, buffered for inspection, blocked
// outright, or allowed while bypassing further inspection.
package policy

import "github.com/relaymesh/bridgecore/internal/httpmsg"

// Action is the bridge's per-message disposition, mirroring the spec's
// four-way decision codes (0-3).
type Action int

const (
	// AllowNoInspect forwards the message without buffering its body.
	AllowNoInspect Action = iota
	// AllowInspect buffers the full body before forwarding so hooks can
	// examine (and rewrite) it.
	AllowInspect
	// Block terminates the transaction with a synthetic response and
	// disables keep-alive for the connection.
	Block
	// Whitelist forwards the message like AllowNoInspect but records that
	// the decision was an explicit whitelist rather than a default allow.
	Whitelist
)

func (a Action) String() string {
	switch a {
	case AllowNoInspect:
		return "allow"
	case AllowInspect:
		return "inspect"
	case Block:
		return "block"
	case Whitelist:
		return "whitelist"
	default:
		return "unknown"
	}
}

// Hooks is the callback surface a policy engine implements. Message
// arguments are always non-nil.
type Hooks interface {
	// OnMessageBegin is called once the request headers (and, in the
	// response phase, the response headers) are available, before any body
	// has been read. The returned Action drives whether the body is
	// buffered.
	OnMessageBegin(host string, req *httpmsg.Message) Action

	// OnMessageEnd is called once a buffered (inspected) response has been
	// read in full and decoded; it is not called for streamed responses or
	// for transactions already blocked. It returns whether the transaction should now be
	// blocked and, if so, an optional block page to write in place of a
	// synthesized 204. When shouldBlock is false, a non-nil replacement
	// replaces the response body before it is written downstream.
	OnMessageEnd(host string, req, resp *httpmsg.Message) (shouldBlock bool, replacement []byte)

	// ClassifyContent is called on a complete, decoded text-like response
	// body and returns a category: 0 means unclassified/allowed, any other
	// value is a blocked category currently in effect.
	ClassifyContent(body []byte, contentType string) uint8

	// FirewallCheck is consulted before any upstream connection is made,
	// letting a host rule veto a CONNECT/transparent tunnel outright.
	FirewallCheck(host string) Action
}

// NoOpHooks allows everything and buffers nothing; useful as a default when
// no policy engine is configured.
type NoOpHooks struct{}

func (NoOpHooks) OnMessageBegin(string, *httpmsg.Message) Action { return AllowNoInspect }
func (NoOpHooks) OnMessageEnd(string, *httpmsg.Message, *httpmsg.Message) (bool, []byte) {
	return false, nil
}
func (NoOpHooks) ClassifyContent([]byte, string) uint8 { return 0 }
func (NoOpHooks) FirewallCheck(string) Action          { return AllowNoInspect }
