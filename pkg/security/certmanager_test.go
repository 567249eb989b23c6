package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"testing"
	"time"
)

func issuedTestCert(t *testing.T, commonName string, notAfter time.Time) (*tls.Certificate, *x509.Certificate) {
	t.Helper()

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-iam-root"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create root cert: %v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}

	return &tls.Certificate{Certificate: [][]byte{leafDER}, PrivateKey: leafKey, Leaf: leaf}, root
}

func TestNodeCertManagerLoadFromDiskEmpty(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "aoscm-certmgr-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	mgr := NewNodeCertManager(tmpDir)
	ok, err := mgr.LoadFromDisk()
	if err != nil {
		t.Fatalf("LoadFromDisk() error = %v", err)
	}
	if ok {
		t.Error("LoadFromDisk() should report false for an unprovisioned node")
	}
	if mgr.NeedsRotation() != true {
		t.Error("NeedsRotation() should be true with no certificate installed")
	}
}

func TestNodeCertManagerInstallAndReload(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "aoscm-certmgr-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cert, root := issuedTestCert(t, "node-1", time.Now().Add(90*24*time.Hour))

	mgr := NewNodeCertManager(tmpDir)
	if err := mgr.Install(cert, []*x509.Certificate{root}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	got, ok := mgr.Current()
	if !ok {
		t.Fatal("Current() should report an installed certificate")
	}
	if got.Leaf.Subject.CommonName != "node-1" {
		t.Errorf("unexpected CN: %s", got.Leaf.Subject.CommonName)
	}

	cfg, err := mgr.ClientTLSConfig()
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Error("ClientTLSConfig() should carry the installed certificate")
	}
	if cfg.RootCAs == nil {
		t.Error("ClientTLSConfig() should carry the trust anchors")
	}

	// Reload into a fresh manager instance, as happens on daemon restart.
	mgr2 := NewNodeCertManager(tmpDir)
	ok, err = mgr2.LoadFromDisk()
	if err != nil {
		t.Fatalf("LoadFromDisk() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadFromDisk() should find the persisted certificate")
	}
	if mgr2.NeedsRotation() {
		t.Error("a 90-day certificate should not need rotation yet")
	}
}

func TestNodeCertManagerNeedsRotation(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "aoscm-certmgr-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cert, root := issuedTestCert(t, "node-1", time.Now().Add(10*24*time.Hour))

	mgr := NewNodeCertManager(tmpDir)
	if err := mgr.Install(cert, []*x509.Certificate{root}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if !mgr.NeedsRotation() {
		t.Error("a certificate 10 days from expiry should need rotation")
	}
}

func TestNodeCertManagerServerTLSConfigRequiresClientCert(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "aoscm-certmgr-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cert, root := issuedTestCert(t, "node-1", time.Now().Add(90*24*time.Hour))

	mgr := NewNodeCertManager(tmpDir)
	if err := mgr.Install(cert, []*x509.Certificate{root}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	cfg, err := mgr.ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig() error = %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Error("ServerTLSConfig() should require and verify client certificates")
	}
}
