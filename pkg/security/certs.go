package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corralhq/corral/pkg/log"
)

const (
	// Rotate when less than 30 days remain until expiry
	certRotationThreshold = 30 * 24 * time.Hour

	selfSignedValidity = 365 * 24 * time.Hour
)

// CertIssuer issues and revokes per-FQDN TLS certificates. Issue is
// idempotent: a valid cached certificate is left alone.
type CertIssuer interface {
	Issue(fqdn string) error
	Revoke(fqdn string) error
	Exists(fqdn string) bool
	ListExpiring(within time.Duration) ([]string, error)
}

// certBase stores one certificate per FQDN under certDir as
// {fqdn}.crt / {fqdn}.key.
type certBase struct {
	certDir string
}

func (c *certBase) certPath(fqdn string) string {
	return filepath.Join(c.certDir, fqdn+".crt")
}

func (c *certBase) keyPath(fqdn string) string {
	return filepath.Join(c.certDir, fqdn+".key")
}

func (c *certBase) Exists(fqdn string) bool {
	_, err1 := os.Stat(c.certPath(fqdn))
	_, err2 := os.Stat(c.keyPath(fqdn))
	return err1 == nil && err2 == nil
}

func (c *certBase) Revoke(fqdn string) error {
	if err := os.Remove(c.certPath(fqdn)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove certificate: %w", err)
	}
	if err := os.Remove(c.keyPath(fqdn)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove private key: %w", err)
	}
	return nil
}

func (c *certBase) loadLeaf(fqdn string) (*x509.Certificate, error) {
	data, err := os.ReadFile(c.certPath(fqdn))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM for %s", fqdn)
	}
	return x509.ParseCertificate(block.Bytes)
}

// ListExpiring returns the FQDNs whose cached certificates expire within
// the given duration.
func (c *certBase) ListExpiring(within time.Duration) ([]string, error) {
	entries, err := os.ReadDir(c.certDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cert directory: %w", err)
	}

	var expiring []string
	cutoff := time.Now().Add(within)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".crt") {
			continue
		}
		fqdn := strings.TrimSuffix(e.Name(), ".crt")
		cert, err := c.loadLeaf(fqdn)
		if err != nil {
			log.Warn(fmt.Sprintf("Failed to parse certificate for %s: %v", fqdn, err))
			continue
		}
		if cert.NotAfter.Before(cutoff) {
			expiring = append(expiring, fqdn)
		}
	}
	return expiring, nil
}

func (c *certBase) needsIssue(fqdn string) bool {
	if !c.Exists(fqdn) {
		return true
	}
	cert, err := c.loadLeaf(fqdn)
	if err != nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

func (c *certBase) writePair(fqdn string, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(c.certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(c.certPath(fqdn), certPEM, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(c.keyPath(fqdn), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// SelfSignedIssuer issues self-signed certificates for development.
type SelfSignedIssuer struct {
	certBase
}

// NewSelfSignedIssuer creates an issuer caching certificates under certDir.
func NewSelfSignedIssuer(certDir string) *SelfSignedIssuer {
	return &SelfSignedIssuer{certBase{certDir: certDir}}
}

// Issue generates a self-signed certificate with the FQDN as SAN, valid
// for one year. A cached certificate with more than 30 days remaining is
// reused.
func (s *SelfSignedIssuer) Issue(fqdn string) error {
	if !s.needsIssue(fqdn) {
		log.Debug(fmt.Sprintf("Certificate for %s still valid, skipping issue", fqdn))
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: fqdn,
		},
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{fqdn},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if err := s.writePair(fqdn, certPEM, keyPEM); err != nil {
		return err
	}

	log.Info(fmt.Sprintf("Self-signed certificate issued for %s, valid until %s", fqdn, template.NotAfter.Format(time.RFC3339)))
	return nil
}
