package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// CertKeySize is the RSA key size for generated leaf certificates.
	CertKeySize = 2048

	// CertValidityDays is the validity period for generated certificates.
	CertValidityDays = 30
)

// CertCache caches dynamically generated leaf certificates per hostname.
//
// Lookups for a cached host never block on generation for another host:
// reads go through an RWMutex, and cache misses are coalesced per hostname
// with singleflight so concurrent first lookups for the same uncached host
// run exactly one key generation between them.
type CertCache struct {
	ca *CA

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	group singleflight.Group
}

// NewCertCache creates a certificate cache backed by the given CA.
func NewCertCache(ca *CA) *CertCache {
	return &CertCache{
		ca:    ca,
		cache: make(map[string]*tls.Certificate),
	}
}

// GetCertificate returns a TLS certificate for the ClientHello's server name.
// It is suitable for use as tls.Config.GetCertificate.
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		// Fallback to connection address if no SNI
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("no server name in ClientHello")
		}
	}
	return c.Get(host)
}

// Get returns the cached certificate for host, generating it on miss.
// The same identity is returned for the lifetime of the cache entry.
func (c *CertCache) Get(host string) (*tls.Certificate, error) {
	c.mu.RLock()
	cert, ok := c.cache[host]
	c.mu.RUnlock()
	if ok {
		return cert, nil
	}

	v, err, _ := c.group.Do(host, func() (interface{}, error) {
		// Re-check under the write path; another flight may have published.
		c.mu.RLock()
		cert, ok := c.cache[host]
		c.mu.RUnlock()
		if ok {
			return cert, nil
		}

		cert, err := c.generateCert(host)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cache[host] = cert
		c.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, fmt.Errorf("generating certificate for %s: %w", host, err)
	}
	return v.(*tls.Certificate), nil
}

// generateCert generates a leaf certificate for the given hostname.
func (c *CertCache) generateCert(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, CertKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"streamtap"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(0, 0, CertValidityDays),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	// Host as SAN
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
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

// Size returns the current cache size.
func (c *CertCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *CertCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*tls.Certificate)
}
