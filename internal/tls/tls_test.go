package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadOrCreateCA_CreatesAndReloads(t *testing.T) {
	dir := t.TempDir()

	ca1, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateCA() error = %v", err)
	}

	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")
	if _, err := os.Stat(certPath); err != nil {
		t.Errorf("ca.crt not written: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("ca.key not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("ca.key permissions = %o, want 0600", perm)
	}

	if !ca1.Certificate().IsCA {
		t.Error("created certificate is not a CA")
	}
	if got := ca1.Certificate().Subject.CommonName; got != "streamtap CA" {
		t.Errorf("CommonName = %q", got)
	}

	// Second call must load the same root, not mint a new one.
	ca2, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateCA() error = %v", err)
	}
	if ca1.Certificate().SerialNumber.Cmp(ca2.Certificate().SerialNumber) != 0 {
		t.Error("reloaded CA has a different serial")
	}
}

func TestCertCache_GetIssuesValidLeaf(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCertCache(ca)

	cert, err := cache.Get("api.example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	if err := leaf.VerifyHostname("api.example.com"); err != nil {
		t.Errorf("leaf does not cover hostname: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate())
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots}); err != nil {
		t.Errorf("leaf does not chain to the CA: %v", err)
	}

	if len(cert.Certificate) != 2 {
		t.Errorf("chain length = %d, want leaf+root", len(cert.Certificate))
	}
}

func TestCertCache_StableIdentity(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCertCache(ca)

	a, err := cache.Get("host.example.com")
	if err != nil {
		t.Fatal(err)
	}
	b, err := cache.Get("host.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("repeated Get returned a different certificate identity")
	}
	if cache.Size() != 1 {
		t.Errorf("cache size = %d, want 1", cache.Size())
	}
}

func TestCertCache_ConcurrentFirstLookup(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCertCache(ca)

	const workers = 8
	certs := make([]*tls.Certificate, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := cache.Get("burst.example.com")
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			certs[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if certs[i] != certs[0] {
			t.Fatalf("worker %d got a different certificate", i)
		}
	}
	if cache.Size() != 1 {
		t.Errorf("cache size = %d, want 1", cache.Size())
	}
}

func TestCertCache_IPHost(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCertCache(ca)

	cert, err := cache.Get("127.0.0.1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IPAddresses = %v, want [127.0.0.1]", leaf.IPAddresses)
	}
}

func TestCertCache_GetCertificateSNI(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCertCache(ca)

	cert, err := cache.GetCertificate(&tls.ClientHelloInfo{ServerName: "sni.example.com"})
	if err != nil {
		t.Fatalf("GetCertificate() error = %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("sni.example.com"); err != nil {
		t.Errorf("leaf does not cover SNI host: %v", err)
	}
}
