package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // subjectKeyIdentifier=hash is a fingerprint, not a security boundary
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// CertValidityDays is the validity period for forged leaf certificates.
const CertValidityDays = 365

// DefaultMaxCacheSize bounds the LRU cache so a client hitting many distinct
// hosts cannot grow the store without limit.
const DefaultMaxCacheSize = 1000

// ErrAmbiguousSpoof is returned when a freshly generated leaf's names all
// collided with existing cache entries — either user error (the same host
// requested twice under a race) or an upstream certificate lying about the
// names it covers.
var ErrAmbiguousSpoof = errors.New("tls: ambiguous spoof, no new cache key inserted")

// CertCache is an LRU cache of forged server TLS certificates, keyed by every
// hostname each certificate's SAN list covers.
type CertCache struct {
	ca      *CA
	maxSize int
	mu      sync.Mutex
	cache   map[string]*cacheEntry
	order   []string
}

type cacheEntry struct {
	cert      *tls.Certificate
	createdAt time.Time
}

// NewCertCache creates a certificate cache backed by ca, holding at most
// maxSize distinct cache keys (maxSize <= 0 selects DefaultMaxCacheSize).
func NewCertCache(ca *CA, maxSize int) *CertCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	return &CertCache{
		ca:      ca,
		maxSize: maxSize,
		cache:   make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
	}
}

// GetCertificate adapts the cache to crypto/tls.Config.GetCertificate for
// bridges that terminate TLS without first having observed an upstream leaf
// (a plain forward-proxy CA use, rather than MITM cloning).
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("no server name in ClientHello")
		}
	}
	return c.GetServerContext(host, nil)
}

// GetServerContext returns the cached certificate for hostname, generating
// and inserting one if absent. When upstreamLeaf is non-nil its subject and
// every DNS SAN are cloned onto the forged leaf and used as additional cache
// keys, per the certificate-store algorithm; when nil, the leaf covers only
// the requested hostname.
func (c *CertCache) GetServerContext(hostname string, upstreamLeaf *x509.Certificate) (*tls.Certificate, error) {
	host := strings.ToLower(hostname)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[host]; ok {
		c.moveToEnd(host)
		return entry.cert, nil
	}

	names := sanNames(host, upstreamLeaf)

	cert, err := c.generateCert(host, upstreamLeaf, names)
	if err != nil {
		return nil, fmt.Errorf("generating certificate for %s: %w", host, err)
	}

	entry := &cacheEntry{cert: cert, createdAt: time.Now()}
	inserted := false
	for _, name := range names {
		if _, exists := c.cache[name]; exists {
			continue
		}
		if len(c.cache) >= c.maxSize {
			c.evictOldest()
		}
		c.cache[name] = entry
		c.order = append(c.order, name)
		inserted = true
	}
	if !inserted {
		return nil, ErrAmbiguousSpoof
	}

	return cert, nil
}

// sanNames returns the deduplicated set of names the forged leaf should
// cover: every DNS SAN on upstreamLeaf (if present) plus the requested host.
func sanNames(host string, upstreamLeaf *x509.Certificate) []string {
	seen := map[string]struct{}{host: {}}
	names := []string{host}
	if upstreamLeaf != nil {
		for _, dns := range upstreamLeaf.DNSNames {
			n := strings.ToLower(dns)
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	return names
}

func (c *CertCache) generateCert(host string, upstreamLeaf *x509.Certificate, names []string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	subject := pkix.Name{CommonName: host, Organization: []string{"bridgecore"}}
	if upstreamLeaf != nil {
		// Copy verbatim when present; skip a field rather than abort on a
		// malformed upstream subject — browsers accept sparse subjects
		// provided the SAN list matches.
		if cn := upstreamLeaf.Subject.CommonName; cn != "" {
			subject.CommonName = cn
		}
		if len(upstreamLeaf.Subject.Organization) > 0 {
			subject.Organization = upstreamLeaf.Subject.Organization
		}
		if len(upstreamLeaf.Subject.Country) > 0 {
			subject.Country = upstreamLeaf.Subject.Country
		}
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(0, 0, CertValidityDays),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}

	if crlURL := c.ca.CRLURL(); crlURL != "" {
		template.CRLDistributionPoints = []string{crlURL}
	}

	if ip := net.ParseIP(host); ip != nil && upstreamLeaf == nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = names
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.ca.cert, &key.PublicKey, c.ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, c.ca.cert.Raw},
		PrivateKey:  key,
	}, nil
}

// subjectKeyID computes subjectKeyIdentifier=hash per RFC 5280 §4.2.1.2(1):
// the SHA-1 digest of the subjectPublicKey BIT STRING.
func subjectKeyID(pub *ecdsa.PublicKey) []byte {
	raw := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	sum := sha1.Sum(raw) //nolint:gosec // fingerprint use, not a signature
	return sum[:]
}

func (c *CertCache) moveToEnd(host string) {
	for i, h := range c.order {
		if h == host {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, host)
}

func (c *CertCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.cache, oldest)
}

// Size returns the number of distinct cache keys currently held.
func (c *CertCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *CertCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry)
	c.order = make([]string, 0, c.maxSize)
}
