package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
)

// TrustStore holds the root certificates IAM has told this node to trust,
// used to verify the cloud endpoint's certificate and any SM peer
// certificate presented over mTLS.
type TrustStore struct {
	mu    sync.RWMutex
	roots *x509.CertPool
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{roots: x509.NewCertPool()}
}

// SetRoots replaces the trusted root set. GetCertTypes/ApplyCert update
// the trust anchors alongside the node's own cert.
func (t *TrustStore) SetRoots(certs []*x509.Certificate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	t.roots = pool
}

// Pool returns the current trusted root pool for use in a tls.Config.
func (t *TrustStore) Pool() *x509.CertPool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roots
}

// NodeCertManager holds this node's IAM-issued identity certificate and
// the trust anchors needed to verify peers, and builds the tls.Config
// used by every mTLS client and server in the daemon (cloud transport,
// SM channel). The IAM client dials without TLS and does not use it.
//
// Unlike a cluster CA, this node never signs certificates itself: every
// certificate it holds was handed to it by IAM via ApplyCert.
type NodeCertManager struct {
	mu      sync.RWMutex
	current *tls.Certificate
	trust   *TrustStore
	certDir string
}

// NewNodeCertManager creates a manager persisting under certDir.
func NewNodeCertManager(certDir string) *NodeCertManager {
	return &NodeCertManager{
		trust:   NewTrustStore(),
		certDir: certDir,
	}
}

// LoadFromDisk restores a previously installed certificate and trust
// anchor from certDir, if present. Returns false with no error if no
// certificate has ever been installed (a fresh, unprovisioned node).
func (m *NodeCertManager) LoadFromDisk() (bool, error) {
	if !CertExists(m.certDir) {
		return false, nil
	}

	cert, err := LoadCertFromFile(m.certDir)
	if err != nil {
		return false, fmt.Errorf("load node certificate: %w", err)
	}

	caCert, err := LoadCACertFromFile(m.certDir)
	if err != nil {
		return false, fmt.Errorf("load trust anchor: %w", err)
	}

	m.mu.Lock()
	m.current = cert
	m.mu.Unlock()
	m.trust.SetRoots([]*x509.Certificate{caCert})

	return true, nil
}

// Install persists a newly issued certificate and its trust anchors
// (an ApplyCert response) and makes them the active identity.
func (m *NodeCertManager) Install(cert *tls.Certificate, roots []*x509.Certificate) error {
	if cert == nil || cert.Leaf == nil {
		return fmt.Errorf("certificate has no parsed leaf")
	}
	if len(roots) == 0 {
		return fmt.Errorf("no trust anchors supplied")
	}

	if err := SaveCertToFile(cert, m.certDir); err != nil {
		return fmt.Errorf("save node certificate: %w", err)
	}
	if err := SaveCACertToFile(roots[0].Raw, m.certDir); err != nil {
		return fmt.Errorf("save trust anchor: %w", err)
	}

	m.mu.Lock()
	m.current = cert
	m.mu.Unlock()
	m.trust.SetRoots(roots)

	return nil
}

// Current returns the active node certificate, or false if none installed.
func (m *NodeCertManager) Current() (*tls.Certificate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, false
	}
	return m.current, true
}

// NeedsRotation reports whether the current certificate is close enough
// to expiry that IAM should be asked for a replacement.
func (m *NodeCertManager) NeedsRotation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return true
	}
	return CertNeedsRotation(m.current.Leaf)
}

// ClientTLSConfig builds the mTLS config used by transport.DialMTLS,
// which the cloud transport uses to dial the cloud.
func (m *NodeCertManager) ClientTLSConfig() (*tls.Config, error) {
	cert, ok := m.Current()
	if !ok {
		return nil, fmt.Errorf("no node certificate installed")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      m.trust.Pool(),
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ServerTLSConfig builds the mTLS config used by the SM channel listener,
// requiring and verifying a client certificate against the trust store.
func (m *NodeCertManager) ServerTLSConfig() (*tls.Config, error) {
	cert, ok := m.Current()
	if !ok {
		return nil, fmt.Errorf("no node certificate installed")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    m.trust.Pool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Trust exposes the underlying trust store, e.g. for verifying a
// certificate delivered out-of-band from an ApplyCert response before
// Install is called.
func (m *NodeCertManager) Trust() *TrustStore {
	return m.trust
}
