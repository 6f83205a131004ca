// Package httpmsg implements the incremental HTTP/1.x message model: a
// case-insensitive duplicate-preserving header multimap, a streaming/
// buffering payload policy, and the encode/decode helpers (gzip, deflate,
// chunked-to-fixed-length, 204 synthesis) the bridge drives per transaction.
package httpmsg

import "strings"

// headerEntry is one stored (original-case name, value) pair. Order of
// insertion is preserved so duplicate headers like Set-Cookie round-trip.
type headerEntry struct {
	name  string
	value string
}

// Headers is a case-insensitive, duplicate-preserving ordered header
// multimap. The zero value is usable.
type Headers struct {
	entries []headerEntry
}

// Get returns the first value stored for name (case-insensitive), and
// whether any entry exists.
func (h *Headers) Get(name string) (string, bool) {
	key := lower(name)
	for _, e := range h.entries {
		if lower(e.name) == key {
			return e.value, true
		}
	}
	return "", false
}

// Values returns every value stored for name, in insertion order.
func (h *Headers) Values(name string) []string {
	key := lower(name)
	var out []string
	for _, e := range h.entries {
		if lower(e.name) == key {
			out = append(out, e.value)
		}
	}
	return out
}

// Has reports whether any entry exists for name.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Add appends a header entry. If replace is true, every existing entry for
// name is removed first, matching the spec's "add with replace-if-exists
// removes all prior same-key entries" contract.
func (h *Headers) Add(name, value string, replace bool) {
	if replace {
		h.Remove(name)
	}
	h.entries = append(h.entries, headerEntry{name: name, value: value})
}

// AppendValue appends to the most recently added entry for name, used by the
// incremental parser when a header value arrives across multiple reads.
func (h *Headers) AppendValue(name, suffix string) {
	key := lower(name)
	for i := len(h.entries) - 1; i >= 0; i-- {
		if lower(h.entries[i].name) == key {
			h.entries[i].value += suffix
			return
		}
	}
	h.entries = append(h.entries, headerEntry{name: name, value: suffix})
}

// Remove deletes every entry for name. If value is non-empty, only entries
// with that exact value are removed.
func (h *Headers) Remove(name string, value ...string) {
	key := lower(name)
	want := ""
	if len(value) > 0 {
		want = value[0]
	}
	filtered := h.entries[:0]
	for _, e := range h.entries {
		if lower(e.name) == key && (want == "" || e.value == want) {
			continue
		}
		filtered = append(filtered, e)
	}
	h.entries = filtered
}

// Clear removes every header.
func (h *Headers) Clear() { h.entries = nil }

// Each calls fn for every header in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, e := range h.entries {
		fn(e.name, e.value)
	}
}

// Len returns the number of stored entries (counting duplicates).
func (h *Headers) Len() int { return len(h.entries) }

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := &Headers{entries: make([]headerEntry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// WriteTo serializes every entry as "Name: Value\r\n" in insertion order.
func (h *Headers) WriteTo(sb *strings.Builder) {
	for _, e := range h.entries {
		sb.WriteString(e.name)
		sb.WriteString(": ")
		sb.WriteString(e.value)
		sb.WriteString("\r\n")
	}
}

func lower(s string) string { return strings.ToLower(s) }
