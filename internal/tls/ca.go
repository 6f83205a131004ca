// Package tls manages the proxy's self-generated certificate authority and
// the per-host leaf certificates forged to terminate client TLS connections.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// CAValidityYears is the lifetime of the generated root (one year, 365 days
// or 366 across a leap day).
const CAValidityYears = 1

// CA represents the certificate authority whose root signs every forged leaf.
type CA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
	crlDER  []byte
	crlURL  string
}

// LoadOrCreateCA loads an existing CA from dir, or generates and persists a
// new one if none is present.
func LoadOrCreateCA(dir string) (*CA, error) {
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	if ca, err := loadCA(certPath, keyPath); err == nil {
		return ca, nil
	}

	ca, err := createCA()
	if err != nil {
		return nil, fmt.Errorf("creating CA: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cert directory: %w", err)
	}
	if err := os.WriteFile(certPath, ca.certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing CA cert: %w", err)
	}
	if err := writeSecureFile(keyPath, ca.keyPEM); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}

	return ca, nil
}

func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA private key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}

	return &CA{cert: cert, key: key, certPEM: certPEM, keyPEM: keyPEM}, nil
}

func createCA() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	serialNumber, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "bridgecore CA",
			Organization: []string{"bridgecore"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(CAValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing created certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling CA key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &CA{cert: cert, key: key, certPEM: certPEM, keyPEM: keyPEM}, nil
}

// generateRandomSerial returns a random 31-bit serial, shared by the CA
// certificate and every spoofed leaf so both come from one path. 31 bits
// keeps the top bit of a signed 32-bit representation clear, avoiding the
// leading-zero-byte padding a full 32-bit value would need to stay positive
// in DER's two's-complement INTEGER encoding.
func generateRandomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 31)
	return rand.Int(rand.Reader, max)
}

// CertPEM returns the CA certificate in PEM format.
func (ca *CA) CertPEM() []byte { return ca.certPEM }

// Certificate returns the parsed CA certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.cert }

// CRLDER returns the CRL in DER format, or nil if SetCRLURL was never called.
func (ca *CA) CRLDER() []byte { return ca.crlDER }

// CRLURL returns the URL the CRL is served at.
func (ca *CA) CRLURL() string { return ca.crlURL }

// SetCRLURL sets the CRL distribution URL and (re)generates the CRL. Windows
// clients consult this before trusting the CA, so setting it before serving
// any forged leaf improves first-run behavior there.
func (ca *CA) SetCRLURL(url string) error {
	ca.crlURL = url
	return ca.generateCRL()
}

func (ca *CA) generateCRL() error {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().AddDate(0, 0, 30),
	}

	crlDER, err := x509.CreateRevocationList(rand.Reader, template, ca.cert, ca.key)
	if err != nil {
		return fmt.Errorf("creating CRL: %w", err)
	}

	ca.crlDER = crlDER
	return nil
}

func writeSecureFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}
