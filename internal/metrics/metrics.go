// Package metrics exposes bridge-wide counters over expvar, grounded on the
// spec's domain-stack decision to reuse the ambient HTTP mux rather than add
// a dependency like prometheus/client_golang.
package metrics

import "expvar"

var (
	// ConnectionsTotal counts every accepted connection, regardless of
	// outcome.
	ConnectionsTotal = expvar.NewInt("bridgecore_connections_total")
	// BlockedTotal counts connections terminated by a firewall/policy block
	// decision.
	BlockedTotal = expvar.NewInt("bridgecore_blocked_total")
	// TransactionsTotal counts completed (non-blocked) HTTP transactions.
	TransactionsTotal = expvar.NewInt("bridgecore_transactions_total")
)

// CertCacheSizer reports the current size of the spoofed-leaf cache; wired
// to *tls.CertCache.Size by the CLI entrypoint once the cache exists.
var CertCacheSizer func() int

func init() {
	expvar.Publish("bridgecore_cert_cache_size", expvar.Func(func() interface{} {
		if CertCacheSizer == nil {
			return 0
		}
		return CertCacheSizer()
	}))
}
