// Package certs supplies the broker's TLS server certificate and keeps
// it current (spec.md §6 "Certificate provisioning"). Acquiring a
// certificate from a host identity/workload service is treated as a
// thin external contract, not reimplemented here.
package certs

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/golang-io/requests"
)

// Source supplies a tls.Certificate and reports when it should be
// refreshed.
type Source interface {
	Certificate(ctx context.Context) (tls.Certificate, time.Time, error)
}

// FileSource loads a static cert/key pair from disk, used when the
// operator provisions certificates out of band (spec.md §6
// "certs.mode=file").
type FileSource struct {
	CertFile, KeyFile string
}

func (f FileSource) Certificate(context.Context) (tls.Certificate, time.Time, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return tls.Certificate{}, time.Time{}, fmt.Errorf("certs: load %s/%s: %w", f.CertFile, f.KeyFile, err)
	}
	return cert, time.Time{}, nil // no expiry tracked, treated as never-stale
}

// WorkloadSource requests a certificate from a host-provided workload
// API over HTTP, the edge-device pattern of acquiring identity from a
// local privileged service rather than holding a long-lived key in the
// broker's own config (spec.md §6 "certs.mode=workload").
type WorkloadSource struct {
	sess   *requests.Session
	apiURL string
	module string
}

func NewWorkloadSource(apiURL, moduleID string) *WorkloadSource {
	return &WorkloadSource{sess: requests.New(), apiURL: apiURL, module: moduleID}
}

type workloadCertResponse struct {
	Certificate    string `json:"certificate"` // PEM, base64-free
	PrivateKey     string `json:"privateKey"`
	ExpirationUTC  string `json:"expiration"` // RFC3339
}

func (w *WorkloadSource) Certificate(ctx context.Context) (tls.Certificate, time.Time, error) {
	resp, err := w.sess.DoRequest(ctx,
		requests.URL(w.apiURL),
		requests.Path(fmt.Sprintf("/modules/%s/certificate/server", w.module)),
	)
	if err != nil {
		return tls.Certificate{}, time.Time{}, fmt.Errorf("certs: workload request: %w", err)
	}
	if resp.StatusCode != 200 {
		return tls.Certificate{}, time.Time{}, fmt.Errorf("certs: workload status=%d", resp.StatusCode)
	}

	var out workloadCertResponse
	if err := json.Unmarshal(resp.Content.Bytes(), &out); err != nil {
		return tls.Certificate{}, time.Time{}, fmt.Errorf("certs: decode workload response: %w", err)
	}

	cert, err := tls.X509KeyPair([]byte(out.Certificate), []byte(out.PrivateKey))
	if err != nil {
		return tls.Certificate{}, time.Time{}, fmt.Errorf("certs: parse workload keypair: %w", err)
	}
	notAfter, err := time.Parse(time.RFC3339, out.ExpirationUTC)
	if err != nil {
		return cert, time.Time{}, nil
	}
	return cert, notAfter, nil
}

// base64Identity is unused directly by Certificate but mirrors the
// authentication request's certificate encoding, kept here so a future
// mTLS handshake step can reuse the same transcoding rule
// (spec.md §4.5).
func base64Identity(pem []byte) string { return base64.StdEncoding.EncodeToString(pem) }

// Manager wraps a Source with a renewal timer so the server's
// tls.Config always hands out a fresh certificate without restarting
// listeners (spec.md §6 "Certificate provisioning").
type Manager struct {
	source Source

	mu   sync.RWMutex
	cert *tls.Certificate
}

func NewManager(source Source) *Manager {
	return &Manager{source: source}
}

// Start fetches the first certificate synchronously, then refreshes in
// the background ahead of each expiration.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.refresh(ctx); err != nil {
		return err
	}
	go m.renewLoop(ctx)
	return nil
}

func (m *Manager) refresh(ctx context.Context) error {
	cert, notAfter, err := m.source.Certificate(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()

	if !notAfter.IsZero() {
		log.WithField("not_after", notAfter).Info("certs: fetched certificate")
	}
	return nil
}

func (m *Manager) renewLoop(ctx context.Context) {
	const fallback = time.Hour
	for {
		_, notAfter, err := m.source.Certificate(ctx)
		wait := fallback
		if err == nil && !notAfter.IsZero() {
			if until := time.Until(notAfter) - 10*time.Minute; until > 0 {
				wait = until
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if err := m.refresh(ctx); err != nil {
				log.WithError(err).Warn("certs: renewal failed, retrying later")
			}
		}
	}
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, fmt.Errorf("certs: no certificate loaded yet")
	}
	return m.cert, nil
}
