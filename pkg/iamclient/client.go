package iamclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/security"
	"github.com/aoscore/aos-cm/pkg/transport"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/google/uuid"
)

const requestTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	// Addr is the local IAM endpoint, usually a unix socket address.
	Addr string
	// StateFilePath is the on-disk provisioningStatePath.
	StateFilePath string
}

// Client is a streaming client to the local IAM process.
type Client struct {
	cfg     Config
	certMgr *security.NodeCertManager
	state   *stateMachine

	mu      sync.RWMutex
	stream  transport.Stream
	pending map[string]chan *transport.Envelope

	subjMu    sync.RWMutex
	subjects  []string
	subjLis   []func([]string)
	certLisMu sync.RWMutex
	certLis   map[string][]func(CertChangedPayload)

	pendingKeysMu sync.Mutex
	pendingKeys   map[string]*rsa.PrivateKey

	stopCh chan struct{}
}

// NewClient builds a Client. It does not connect; call Run with an open
// stream (usually from a transport.Reconnector session) to serve it.
func NewClient(cfg Config, certMgr *security.NodeCertManager) (*Client, error) {
	sm, err := newStateMachine(cfg.StateFilePath)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:         cfg,
		certMgr:     certMgr,
		state:       sm,
		pending:     make(map[string]chan *transport.Envelope),
		certLis:     make(map[string][]func(CertChangedPayload)),
		pendingKeys: make(map[string]*rsa.PrivateKey),
		stopCh:      make(chan struct{}),
	}, nil
}

// State returns the node's current provisioning state.
func (c *Client) State() types.NodeState { return c.state.Current() }

// Run serves an already-open stream until a receive on it fails. The caller is expected to wrap Run in a transport.Reconnector
// session for automatic redial.
func (c *Client) Run(ctx context.Context, stream transport.Stream) error {
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()
	}()

	for {
		env, err := stream.Recv()
		if err != nil {
			c.failPending(err)
			return err
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	_ = err
}

func (c *Client) dispatch(ctx context.Context, env *transport.Envelope) {
	c.mu.Lock()
	if ch, ok := c.pending[env.CorrelationID]; ok {
		delete(c.pending, env.CorrelationID)
		c.mu.Unlock()
		ch <- env
		return
	}
	c.mu.Unlock()

	switch env.Kind {
	case KindSubjectsChanged:
		var p SubjectsPayload
		if err := env.DecodePayload(&p); err == nil {
			c.subjMu.Lock()
			c.subjects = p.Subjects
			listeners := append([]func([]string){}, c.subjLis...)
			c.subjMu.Unlock()
			for _, fn := range listeners {
				fn(p.Subjects)
			}
		}
	case KindCertChanged:
		var p CertChangedPayload
		if err := env.DecodePayload(&p); err == nil {
			c.certLisMu.RLock()
			listeners := append([]func(CertChangedPayload){}, c.certLis[p.CertType]...)
			c.certLisMu.RUnlock()
			for _, fn := range listeners {
				fn(p)
			}
		}
	case KindStartProvisioning:
		c.handleStartProvisioning(env)
	case KindFinishProvisioning:
		c.handleFinishProvisioning(env)
	case KindDeprovision:
		c.handleDeprovision(env)
	case KindPauseNode:
		c.handlePauseNode(env)
	case KindResumeNode:
		c.handleResumeNode(env)
	case KindCreateKey:
		c.handleCreateKey(env)
	case KindApplyCert:
		c.handleApplyCert(env)
	case KindGetCertTypes:
		c.handleGetCertTypes(env)
	default:
		log.Warn("iamclient: unhandled envelope kind " + env.Kind)
	}
}

// request sends payload tagged with kind and blocks for the matching
// reply, keyed by a fresh correlation ID.
func (c *Client) request(ctx context.Context, kind string, payload any, out any) error {
	c.mu.Lock()
	stream := c.stream
	if stream == nil {
		c.mu.Unlock()
		return aoserrors.New(aoserrors.KindWrongState, "iamclient: not connected")
	}
	corrID := uuid.NewString()
	ch := make(chan *transport.Envelope, 1)
	c.pending[corrID] = ch
	c.mu.Unlock()

	if err := stream.Send(transport.NewEnvelope(kind, corrID, payload)); err != nil {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return aoserrors.Wrap(aoserrors.KindRuntime, "send "+kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case env, ok := <-ch:
		if !ok {
			return aoserrors.New(aoserrors.KindRuntime, "iamclient: stream closed while waiting for "+kind)
		}
		if out == nil {
			return nil
		}
		return env.DecodePayload(out)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return aoserrors.Wrap(aoserrors.KindTimeout, kind, ctx.Err())
	}
}

// reply answers an incoming provisioning command on the same correlation ID.
func (c *Client) reply(env *transport.Envelope, payload any) {
	c.mu.RLock()
	stream := c.stream
	c.mu.RUnlock()
	if stream == nil {
		return
	}
	if err := stream.Send(transport.NewEnvelope(env.Kind+kindResponseSuffix, env.CorrelationID, payload)); err != nil {
		log.Errorf("iamclient: send reply to "+env.Kind, err)
	}
}

// GetSystemInfo asks IAM for this node's system identity.
func (c *Client) GetSystemInfo(ctx context.Context) (SystemInfo, error) {
	var out SystemInfo
	err := c.request(ctx, KindSystemInfoRequest, struct{}{}, &out)
	return out, err
}

// GetSubjects returns the last known subject set, fetching it from IAM
// if none has been received yet.
func (c *Client) GetSubjects(ctx context.Context) ([]string, error) {
	c.subjMu.RLock()
	if c.subjects != nil {
		defer c.subjMu.RUnlock()
		return c.subjects, nil
	}
	c.subjMu.RUnlock()

	var out SubjectsPayload
	if err := c.request(ctx, KindSubjectsRequest, struct{}{}, &out); err != nil {
		return nil, err
	}
	c.subjMu.Lock()
	c.subjects = out.Subjects
	c.subjMu.Unlock()
	return out.Subjects, nil
}

// OnSubjectsChanged registers fn to be called whenever IAM pushes a new
// subject set.
func (c *Client) OnSubjectsChanged(fn func([]string)) {
	c.subjMu.Lock()
	defer c.subjMu.Unlock()
	c.subjLis = append(c.subjLis, fn)
}

// GetCert asks IAM where to find the key/cert material for certType.
func (c *Client) GetCert(ctx context.Context, certType, issuer, serial string) (CertResponsePayload, error) {
	var out CertResponsePayload
	err := c.request(ctx, KindCertRequest, CertRequestPayload{CertType: certType, Issuer: issuer, Serial: serial}, &out)
	return out, err
}

// SubscribeCertChanged registers fn to be invoked after IAM applies a
// rotation for certType.
func (c *Client) SubscribeCertChanged(certType string, fn func(CertChangedPayload)) {
	c.certLisMu.Lock()
	defer c.certLisMu.Unlock()
	c.certLis[certType] = append(c.certLis[certType], fn)
}

func (c *Client) handleStartProvisioning(env *transport.Envelope) {
	if err := c.state.transition(types.NodeStateUnprovisioned); err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}
	c.reply(env, AckPayload{})
}

func (c *Client) handleFinishProvisioning(env *transport.Envelope) {
	if err := c.state.transition(types.NodeStateProvisioned); err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}
	c.reply(env, AckPayload{})
}

func (c *Client) handleDeprovision(env *transport.Envelope) {
	if err := c.state.transition(types.NodeStateUnprovisioned); err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}
	c.reply(env, AckPayload{})
}

func (c *Client) handlePauseNode(env *transport.Envelope) {
	if err := c.state.transition(types.NodeStatePaused); err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}
	c.reply(env, AckPayload{})
}

func (c *Client) handleResumeNode(env *transport.Envelope) {
	if err := c.state.transition(types.NodeStateProvisioned); err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}
	c.reply(env, AckPayload{})
}

// handleCreateKey generates an RSA keypair and CSR for the requested
// certType, holding the private key in memory until the matching
// ApplyCert delivers the issued certificate.
func (c *Client) handleCreateKey(env *transport.Envelope) {
	var req CreateKeyPayload
	if err := env.DecodePayload(&req); err != nil {
		c.reply(env, CreateKeyResultPayload{})
		return
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Errorf("iamclient: generate key for "+req.CertType, err)
		c.reply(env, CreateKeyResultPayload{})
		return
	}

	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: req.Subject}}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		log.Errorf("iamclient: create csr for "+req.CertType, err)
		c.reply(env, CreateKeyResultPayload{})
		return
	}

	c.pendingKeysMu.Lock()
	c.pendingKeys[req.CertType] = key
	c.pendingKeysMu.Unlock()

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	c.reply(env, CreateKeyResultPayload{CSR: string(csrPEM)})
}

// handleApplyCert installs the certificate IAM issued against the
// keypair handleCreateKey generated, completing the certType rotation.
func (c *Client) handleApplyCert(env *transport.Envelope) {
	var req ApplyCertPayload
	if err := env.DecodePayload(&req); err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}

	c.pendingKeysMu.Lock()
	key, ok := c.pendingKeys[req.CertType]
	if ok {
		delete(c.pendingKeys, req.CertType)
	}
	c.pendingKeysMu.Unlock()
	if !ok {
		c.reply(env, AckPayload{Error: "apply_cert: no pending key for cert type " + req.CertType})
		return
	}

	leaf, err := x509.ParseCertificate(req.Cert)
	if err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}

	roots := make([]*x509.Certificate, 0, len(req.Chain))
	for _, der := range req.Chain {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			c.reply(env, AckPayload{Error: err.Error()})
			return
		}
		roots = append(roots, ca)
	}
	if len(roots) == 0 {
		c.reply(env, AckPayload{Error: "apply_cert: no trust chain supplied"})
		return
	}

	cert := &tls.Certificate{Certificate: [][]byte{req.Cert}, PrivateKey: key, Leaf: leaf}
	if err := c.certMgr.Install(cert, roots); err != nil {
		c.reply(env, AckPayload{Error: err.Error()})
		return
	}
	c.reply(env, AckPayload{})
}

func (c *Client) handleGetCertTypes(env *transport.Envelope) {
	c.reply(env, GetCertTypesResultPayload{Types: []string{"online", "offline"}})
}
