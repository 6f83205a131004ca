package tls

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadOrCreateCA_CreatesNew(t *testing.T) {
	tempDir := t.TempDir()

	ca, err := LoadOrCreateCA(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}
	if ca == nil || ca.cert == nil || ca.key == nil {
		t.Fatal("CA not fully populated")
	}

	certPath := filepath.Join(tempDir, "ca.crt")
	keyPath := filepath.Join(tempDir, "ca.key")
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("CA certificate file was not created")
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("failed to stat key file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("CA key file is empty")
	}
}

func TestLoadOrCreateCA_LoadsExisting(t *testing.T) {
	tempDir := t.TempDir()

	ca1, err := LoadOrCreateCA(tempDir)
	if err != nil {
		t.Fatalf("first LoadOrCreateCA failed: %v", err)
	}
	ca2, err := LoadOrCreateCA(tempDir)
	if err != nil {
		t.Fatalf("second LoadOrCreateCA failed: %v", err)
	}
	if ca1.cert.SerialNumber.Cmp(ca2.cert.SerialNumber) != 0 {
		t.Error("loaded CA has different serial number - should have loaded existing")
	}
}

func TestCA_CertPEM_Format(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	certPEM := ca.CertPEM()
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("CertPEM did not decode to a CERTIFICATE block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if !cert.IsCA {
		t.Error("certificate is not marked as CA")
	}
	if cert.Subject.CommonName != "bridgecore CA" {
		t.Errorf("unexpected CommonName: got %q", cert.Subject.CommonName)
	}
}

func TestGenerateRandomSerial_NotPredictable(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		serial, err := generateRandomSerial()
		if err != nil {
			t.Fatalf("generateRandomSerial failed: %v", err)
		}
		str := serial.String()
		if seen[str] {
			t.Errorf("duplicate serial number generated: %s", str)
		}
		seen[str] = true
		if serial.Sign() <= 0 {
			t.Errorf("serial number is not positive: %s", str)
		}
	}
}

func TestCRL_DER_Format(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	if err := ca.SetCRLURL("http://localhost:8080/crl/ca.crl"); err != nil {
		t.Fatalf("SetCRLURL failed: %v", err)
	}

	crl, err := x509.ParseRevocationList(ca.CRLDER())
	if err != nil {
		t.Fatalf("failed to parse CRL: %v", err)
	}
	if err := crl.CheckSignatureFrom(ca.cert); err != nil {
		t.Errorf("CRL signature verification failed: %v", err)
	}
}

func mockClientHelloInfo(serverName string) *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{ServerName: serverName, Conn: &mockConn{}}
}

type mockConn struct {
	net.Conn
	localAddr net.Addr
}

func (m *mockConn) LocalAddr() net.Addr {
	if m.localAddr != nil {
		return m.localAddr
	}
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 443}
}

func TestCertCache_GetCertificate_Generated(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	cache := NewCertCache(ca, 10)
	if cache.Size() != 0 {
		t.Errorf("new cache should be empty, got size %d", cache.Size())
	}

	cert, err := cache.GetCertificate(mockClientHelloInfo("example.com"))
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if cert == nil || len(cert.Certificate) == 0 {
		t.Fatal("GetCertificate returned an empty certificate chain")
	}
	if cache.Size() != 1 {
		t.Errorf("cache size should be 1, got %d", cache.Size())
	}

	leafCert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse leaf certificate: %v", err)
	}
	if len(leafCert.DNSNames) == 0 || leafCert.DNSNames[0] != "example.com" {
		t.Errorf("certificate missing expected DNS SAN: %v", leafCert.DNSNames)
	}
}

func TestCertCache_GetCertificate_Cached(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	cache := NewCertCache(ca, 10)
	hello := mockClientHelloInfo("cached.example.com")

	cert1, err := cache.GetCertificate(hello)
	if err != nil {
		t.Fatalf("first GetCertificate failed: %v", err)
	}
	cert2, err := cache.GetCertificate(hello)
	if err != nil {
		t.Fatalf("second GetCertificate failed: %v", err)
	}
	if cert1 != cert2 {
		t.Error("second call should return cached certificate")
	}
	if cache.Size() != 1 {
		t.Errorf("cache size should still be 1, got %d", cache.Size())
	}
}

func TestCertCache_LRU_Eviction(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	cache := NewCertCache(ca, 3)
	for _, host := range []string{"host1.example.com", "host2.example.com", "host3.example.com"} {
		if _, err := cache.GetCertificate(mockClientHelloInfo(host)); err != nil {
			t.Fatalf("GetCertificate failed for %s: %v", host, err)
		}
	}
	if cache.Size() != 3 {
		t.Errorf("cache size should be 3, got %d", cache.Size())
	}

	if _, err := cache.GetCertificate(mockClientHelloInfo("host4.example.com")); err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if cache.Size() != 3 {
		t.Errorf("cache size should still be 3 after eviction, got %d", cache.Size())
	}

	cert1, err := cache.GetCertificate(mockClientHelloInfo("host1.example.com"))
	if err != nil {
		t.Fatalf("GetCertificate failed for evicted host: %v", err)
	}
	if cert1 == nil {
		t.Error("should be able to get certificate for evicted host")
	}
}

func TestCertCache_ThreadSafety(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	cache := NewCertCache(ca, 100)
	var wg sync.WaitGroup
	errCh := make(chan error, 100)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				host := "concurrent" + string(rune('0'+id)) + string(rune('0'+j)) + ".example.com"
				if _, err := cache.GetCertificate(mockClientHelloInfo(host)); err != nil {
					errCh <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
	if cache.Size() == 0 {
		t.Error("cache should not be empty after concurrent access")
	}
}

func TestCertCache_Clear(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	cache := NewCertCache(ca, 10)
	for _, host := range []string{"a.com", "b.com", "c.com"} {
		if _, err := cache.GetCertificate(mockClientHelloInfo(host)); err != nil {
			t.Fatalf("GetCertificate failed: %v", err)
		}
	}
	if cache.Size() != 3 {
		t.Errorf("cache size should be 3, got %d", cache.Size())
	}

	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("cache size should be 0 after Clear, got %d", cache.Size())
	}
}

func TestCertCache_DefaultMaxSize(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	if cache := NewCertCache(ca, 0); cache.maxSize != DefaultMaxCacheSize {
		t.Errorf("expected default max size %d, got %d", DefaultMaxCacheSize, cache.maxSize)
	}
	if cache := NewCertCache(ca, -5); cache.maxSize != DefaultMaxCacheSize {
		t.Errorf("expected default max size %d, got %d", DefaultMaxCacheSize, cache.maxSize)
	}
}

func TestCertCache_IPAddress(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	cache := NewCertCache(ca, 10)
	cert, err := cache.GetCertificate(mockClientHelloInfo("192.168.1.1"))
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}

	leafCert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse leaf certificate: %v", err)
	}
	if len(leafCert.IPAddresses) == 0 || !leafCert.IPAddresses[0].Equal(net.ParseIP("192.168.1.1")) {
		t.Errorf("unexpected IP SAN: %v", leafCert.IPAddresses)
	}
}

func TestCertCache_CRLDistributionPoint(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	crlURL := "http://localhost:9091/crl/ca.crl"
	if err := ca.SetCRLURL(crlURL); err != nil {
		t.Fatalf("SetCRLURL failed: %v", err)
	}

	cache := NewCertCache(ca, 10)
	cert, err := cache.GetCertificate(mockClientHelloInfo("crl-test.example.com"))
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}

	leafCert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse leaf certificate: %v", err)
	}
	if len(leafCert.CRLDistributionPoints) == 0 || leafCert.CRLDistributionPoints[0] != crlURL {
		t.Errorf("unexpected CRL distribution points: %v", leafCert.CRLDistributionPoints)
	}
}

func TestCertCache_SANCoverage(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	upstreamLeaf := &x509.Certificate{
		Subject:  pkix.Name{CommonName: "example.com", Organization: []string{"Example Inc"}},
		DNSNames: []string{"example.com", "www.example.com"},
	}

	cache := NewCertCache(ca, 10)
	cert, err := cache.GetServerContext("example.com", upstreamLeaf)
	if err != nil {
		t.Fatalf("GetServerContext failed: %v", err)
	}

	cert2, err := cache.GetServerContext("www.example.com", nil)
	if err != nil {
		t.Fatalf("GetServerContext for SAN alias failed: %v", err)
	}
	if cert != cert2 {
		t.Error("SAN alias should resolve to the same cached context as the primary hostname")
	}
}
