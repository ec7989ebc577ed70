package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// generateSelfSigned writes a throwaway self-signed cert/key pair to dir
// and returns their paths.
func generateSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "edgemq-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

func TestFileSourceLoadsKeyPair(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateSelfSigned(t, dir)

	src := FileSource{CertFile: certPath, KeyFile: keyPath}
	cert, notAfter, err := src.Certificate(context.Background())
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("expected a non-empty certificate chain")
	}
	if !notAfter.IsZero() {
		t.Fatal("FileSource does not track expiry, want zero time")
	}
}

func TestFileSourceMissingFileErrors(t *testing.T) {
	src := FileSource{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	if _, _, err := src.Certificate(context.Background()); err == nil {
		t.Fatal("expected an error for a missing cert/key pair")
	}
}

type fakeSource struct {
	cert     tls.Certificate
	notAfter time.Time
	err      error
	calls    int
}

func (f *fakeSource) Certificate(context.Context) (tls.Certificate, time.Time, error) {
	f.calls++
	return f.cert, f.notAfter, f.err
}

func TestManagerStartFetchesAndServesCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateSelfSigned(t, dir)
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadX509KeyPair: %v", err)
	}

	src := &fakeSource{cert: cert, notAfter: time.Now().Add(time.Hour)}
	m := NewManager(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := m.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if len(got.Certificate) == 0 {
		t.Fatal("expected a certificate to be available after Start")
	}
}

func TestManagerGetCertificateBeforeStartErrors(t *testing.T) {
	m := NewManager(&fakeSource{})
	if _, err := m.GetCertificate(nil); err == nil {
		t.Fatal("expected an error before the first certificate is fetched")
	}
}
