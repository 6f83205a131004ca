package httpmsg

import "time"

// Make204 returns a fully-formed synthetic "204 No Content" response, used
// whenever a block decision has no replacement page, whether it comes before
// the upstream connection or after a response was read. Expires is pinned to
// the Unix epoch so caches never serve it stale.
func Make204() *Message {
	m := NewResponse()
	m.StatusCode = 204
	m.StatusText = "No Content"
	m.Headers.Add("Date", time.Now().UTC().Format(http1123), true)
	m.Headers.Add("Expires", epoch.Format(http1123), true)
	m.Headers.Add("Content-Length", "0", true)
	m.HeadersComplete = true
	m.PayloadComplete = true
	return m
}

const http1123 = "Mon, 02 Jan 2006 15:04:05 GMT"
