package policy

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/relaymesh/bridgecore/internal/httpmsg"
)

// HostRule pairs a glob host pattern with the action it forces.
type HostRule struct {
	Pattern string
	Action  Action
}

// HostRules is a Hooks implementation driven entirely by an ordered list of
// glob host patterns: the first matching rule wins, and hosts matching no
// rule fall back to Default.
type HostRules struct {
	Default Action

	mu       sync.RWMutex
	rules    []HostRule
	compiled []glob.Glob
}

// NewHostRules compiles rules in order; an invalid glob pattern is skipped
// rather than aborting construction, since one bad line in a config file
// should not disable every other rule.
func NewHostRules(defaultAction Action, rules []HostRule) *HostRules {
	h := &HostRules{Default: defaultAction}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern, '.')
		if err != nil {
			continue
		}
		h.rules = append(h.rules, r)
		h.compiled = append(h.compiled, g)
	}
	return h
}

// FirewallCheck matches host against the compiled rule list.
func (h *HostRules) FirewallCheck(host string) Action {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i, g := range h.compiled {
		if g.Match(host) {
			return h.rules[i].Action
		}
	}
	return h.Default
}

// OnMessageBegin delegates to the same host-rule table: a blocked host never
// even reaches buffering.
func (h *HostRules) OnMessageBegin(host string, _ *httpmsg.Message) Action {
	return h.FirewallCheck(host)
}

func (h *HostRules) OnMessageEnd(string, *httpmsg.Message, *httpmsg.Message) (bool, []byte) {
	return false, nil
}

func (h *HostRules) ClassifyContent([]byte, string) uint8 { return 0 }

// SetRules atomically replaces the rule table, e.g. after a config reload.
func (h *HostRules) SetRules(rules []HostRule) {
	var compiled []glob.Glob
	var kept []HostRule
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern, '.')
		if err != nil {
			continue
		}
		kept = append(kept, r)
		compiled = append(compiled, g)
	}
	h.mu.Lock()
	h.rules = kept
	h.compiled = compiled
	h.mu.Unlock()
}
