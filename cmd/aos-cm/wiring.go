package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/cloudtransport"
	"github.com/aoscore/aos-cm/pkg/iamclient"
	"github.com/aoscore/aos-cm/pkg/imageservice"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/monitor"
	"github.com/aoscore/aos-cm/pkg/networkmgr"
	"github.com/aoscore/aos-cm/pkg/reconciler"
	"github.com/aoscore/aos-cm/pkg/security"
	"github.com/aoscore/aos-cm/pkg/smchannel"
	"github.com/aoscore/aos-cm/pkg/storagestate"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/supervisor"
	"github.com/aoscore/aos-cm/pkg/transport"
	"github.com/aoscore/aos-cm/pkg/types"
	"google.golang.org/grpc"
)

// fleet bundles the pieces main.go needs after wiring: the Supervisor
// that owns everything's lifecycle, and the IAM client directly, so
// --provisioning mode can report the node's provisioning state once
// the fleet is running.
type fleet struct {
	supervisor *supervisor.Supervisor
	iam        *iamComponent
}

// IAMState reports the node's current provisioning state. Valid only
// after fleet.supervisor.Init has succeeded.
func (f *fleet) IAMState() types.NodeState { return f.iam.client.State() }

// storeComponent opens the bolt-backed store. Every other component
// depends on it, so it is registered first.
type storeComponent struct {
	dataDir string
	store   *store.BoltStore
}

func (c *storeComponent) Name() string { return "store" }

func (c *storeComponent) Init(ctx context.Context) error {
	st, err := store.Open(c.dataDir)
	if err != nil {
		return err
	}
	c.store = st
	return nil
}

func (c *storeComponent) Close() error { return c.store.Close() }

func (c *storeComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	return func() {}, nil
}

// securityComponent owns the node's mTLS identity.
type securityComponent struct {
	certDir string
	certMgr *security.NodeCertManager
}

func (c *securityComponent) Name() string { return "security" }

func (c *securityComponent) Init(ctx context.Context) error {
	c.certMgr = security.NewNodeCertManager(c.certDir)
	_, err := c.certMgr.LoadFromDisk()
	return err
}

func (c *securityComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	return func() {}, nil
}

// iamComponent drives the local IAM client's connect-serve-reconnect
// loop in the background for the lifetime of the daemon. The local
// socket is dialed without TLS or any other credential, since a fresh
// node has no certificate yet.
type iamComponent struct {
	cfg      iamclient.Config
	security *securityComponent

	client *iamclient.Client
}

func (c *iamComponent) Name() string { return "iamclient" }

func (c *iamComponent) Init(ctx context.Context) error {
	client, err := iamclient.NewClient(c.cfg, c.security.certMgr)
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *iamComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)

	reconnector := transport.NewReconnector(func(ctx context.Context) (*grpc.ClientConn, error) {
		return transport.DialInsecureWithToken(c.cfg.Addr)
	})
	reconnector.OnRetry = func(attempt int, delay time.Duration, err error) {
		if err != nil {
			log.Errorf("iamclient: reconnecting", err)
		}
	}

	go reconnector.Run(runCtx, func(ctx context.Context, conn *grpc.ClientConn) error {
		stream, err := transport.OpenExchange(ctx, conn)
		if err != nil {
			return err
		}
		return c.client.Run(ctx, stream)
	})

	return cancel, nil
}

// helloSource builds the HelloPayload cloudtransport sends on every
// connect, refreshing the system identity from IAM in the background
// since GetSystemInfo is request/response while Hello is called
// synchronously from the reconnect loop and must never block on it.
type helloSource struct {
	nodeID string
	iam    *iamclient.Client

	mu   sync.Mutex
	info iamclient.SystemInfo
}

func newHelloSource(nodeID string, iam *iamclient.Client) *helloSource {
	return &helloSource{nodeID: nodeID, iam: iam}
}

func (h *helloSource) run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	h.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refresh(ctx)
		}
	}
}

func (h *helloSource) refresh(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := h.iam.GetSystemInfo(reqCtx)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
}

func (h *helloSource) hello() cloudtransport.HelloPayload {
	h.mu.Lock()
	info := h.info
	h.mu.Unlock()
	return cloudtransport.HelloPayload{
		NodeID:    h.nodeID,
		SystemID:  info.SystemID,
		UnitModel: info.UnitModel,
		State:     h.iam.State(),
	}
}

// cloudComponent owns the single logical stream to the cloud control
// plane and the dispatch of its inbound messages. It depends on
// security (for the client certificate) and iam (for the hello
// payload's system identity), both resolved by reading the other
// components' fields at Init time rather than at construction time,
// since Init runs in registration order.
type cloudComponent struct {
	cfg      cloudtransport.Config
	nodeID   string
	security *securityComponent
	iam      *iamComponent

	hello      *helloSource
	transport  *cloudtransport.Transport
	reconciler *reconciler.Reconciler // wired in by reconcilerComponent.Init
	storage    *storagestate.Manager  // wired in by storagestateComponent.Init
}

func (c *cloudComponent) Name() string { return "cloudtransport" }

func (c *cloudComponent) Init(ctx context.Context) error {
	c.hello = newHelloSource(c.nodeID, c.iam.client)
	c.transport = cloudtransport.New(c.cfg, c.security.certMgr, c.hello.hello)
	c.transport.SetHandler(c.dispatch)
	return nil
}

func (c *cloudComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	go c.hello.run(ctx)
	c.transport.Start(ctx)
	return func() { c.transport.Stop() }, nil
}

func (c *cloudComponent) dispatch(env *transport.Envelope) {
	switch env.Kind {
	case cloudtransport.KindDesiredStatus:
		var d types.DesiredStatus
		if err := env.DecodePayload(&d); err != nil {
			log.Errorf("cloudtransport: decode desiredStatus", err)
			return
		}
		c.reconciler.HandleDesiredStatus(&d)
	case cloudtransport.KindUpdateState:
		var p cloudtransport.UpdateStatePayload
		if err := env.DecodePayload(&p); err != nil {
			log.Errorf("cloudtransport: decode updateState", err)
			return
		}
		if err := c.storage.UpdateState(p.Ident, p.State, p.Checksum); err != nil {
			log.Errorf("storagestate: apply updateState", err)
		}
	case cloudtransport.KindStateAcceptance:
		var p cloudtransport.StateAcceptancePayload
		if err := env.DecodePayload(&p); err != nil {
			log.Errorf("cloudtransport: decode stateAcceptance", err)
			return
		}
		if err := c.storage.AcceptState(p.Ident, p.Accepted, p.Checksum); err != nil {
			log.Errorf("storagestate: apply stateAcceptance", err)
		}
	default:
		log.Warn(fmt.Sprintf("cloudtransport: unhandled inbound kind %q", env.Kind))
	}
}

// cloudStateReporter adapts a cloudtransport.Transport to
// storagestate.StateReporter: the two payload shapes line up
// field-for-field, so this is the only glue either package needs.
type cloudStateReporter struct {
	transport *cloudtransport.Transport
}

func (r cloudStateReporter) ReportNewState(ident types.InstanceIdent, state []byte, checksum string) {
	err := r.transport.Send(cloudtransport.KindNewState, "", cloudtransport.NewStatePayload{
		Ident: ident, State: state, Checksum: checksum,
	})
	if err != nil {
		log.Errorf("storagestate: report new state", err)
	}
}

func (r cloudStateReporter) RequestState(ident types.InstanceIdent, useDefault bool) {
	err := r.transport.Send(cloudtransport.KindStateRequest, "", cloudtransport.StateRequestPayload{
		Ident: ident, Default: useDefault,
	})
	if err != nil {
		log.Errorf("storagestate: request state", err)
	}
}

// imageComponent has no background work: Install runs synchronously
// against reconciler calls, so it is wired in purely for uniform
// Init-order and unwind-on-failure semantics.
type imageComponent struct {
	cfg   imageservice.Config
	store *storeComponent

	service *imageservice.Service
}

func (c *imageComponent) Name() string { return "imageservice" }

func (c *imageComponent) Init(ctx context.Context) error {
	svc, err := imageservice.New(c.cfg, c.store.store, nil)
	if err != nil {
		return err
	}
	c.service = svc
	return nil
}

func (c *imageComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	return func() {}, nil
}

// networkComponent has no background work beyond what Manager already
// owns internally (the DNS zone server, which starts only when
// Manager.RestartDNSServer is called; no component here calls it).
type networkComponent struct {
	cfg   networkmgr.Config
	store *storeComponent

	manager *networkmgr.Manager
}

func (c *networkComponent) Name() string { return "networkmgr" }

func (c *networkComponent) Init(ctx context.Context) error {
	c.manager = networkmgr.New(c.cfg, c.store.store)
	return nil
}

func (c *networkComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	return func() {}, nil
}

// storagestateComponent depends on cloudComponent for its upstream
// reporter, resolved at Init time the same way cloudComponent resolves
// security and iam.
type storagestateComponent struct {
	cfg   storagestate.Config
	store *storeComponent
	cloud *cloudComponent

	manager *storagestate.Manager
}

func (c *storagestateComponent) Name() string { return "storagestate" }

func (c *storagestateComponent) Init(ctx context.Context) error {
	mgr, err := storagestate.New(c.cfg, c.store.store, storagestate.NewQuotaEnforcer(),
		cloudStateReporter{transport: c.cloud.transport})
	if err != nil {
		return err
	}
	c.manager = mgr
	c.cloud.storage = mgr
	return nil
}

func (c *storagestateComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	return func() {}, nil
}

// monitorComponent owns the in-memory monitoring views and the
// bounded upstream forwarder.
type monitorComponent struct {
	cfg   monitor.Config
	cloud *cloudComponent

	monitor *monitor.Monitor
}

func (c *monitorComponent) Name() string { return "monitor" }

func (c *monitorComponent) Init(ctx context.Context) error {
	c.monitor = monitor.New(c.cfg, c.cloud.transport)
	return nil
}

func (c *monitorComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	c.monitor.Start()
	return func() { c.monitor.Stop() }, nil
}

// reconcilerComponent owns the UpdateState dispatcher loop and, on
// Init, closes the last wiring loop back into cloudComponent (its
// inbound desiredStatus handler) and the SM registry
// (Reconnected on every (re)registration).
type reconcilerComponent struct {
	cfg      reconciler.Config
	store    *storeComponent
	image    *imageComponent
	storage  *storagestateComponent
	network  *networkComponent
	registry *smchannel.Registry
	cloud    *cloudComponent

	reconciler *reconciler.Reconciler
}

func (c *reconcilerComponent) Name() string { return "reconciler" }

func (c *reconcilerComponent) Init(ctx context.Context) error {
	r, err := reconciler.New(c.cfg, c.store.store, c.image.service, c.storage.manager,
		c.network.manager, reconciler.NewRegistryDispatcher(c.registry), c.cloud.transport)
	if err != nil {
		return err
	}
	c.reconciler = r
	c.cloud.reconciler = r
	c.registry.OnRegister = func(nodeID string) {
		r.Reconnected(context.Background(), nodeID)
	}
	return nil
}

func (c *reconcilerComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)
	c.reconciler.Start(runCtx)
	return cancel, nil
}

// smComponent listens for SM worker connections, dispatching each
// one's async traffic into the reconciler and monitor built earlier
// in the Init order.
type smComponent struct {
	cfg        SMChannelConfig
	security   *securityComponent
	registry   *smchannel.Registry
	reconciler *reconcilerComponent
	monitor    *monitorComponent

	server *smchannel.Server
}

func (c *smComponent) Name() string { return "smchannel" }

func (c *smComponent) Init(ctx context.Context) error {
	handlers := smchannel.AsyncHandlers{
		OnInstanceStatus: c.reconciler.reconciler.HandleInstanceStatus,
		OnMonitoring:     c.monitor.monitor.HandleMonitoring,
		OnAlert:          c.monitor.monitor.HandleAlert,
	}

	server, err := smchannel.NewServer(c.security.certMgr, c.registry, handlers)
	if err != nil {
		return err
	}
	c.server = server
	return nil
}

func (c *smComponent) Start(ctx context.Context) (supervisor.StopFunc, error) {
	lis, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := c.server.Serve(lis); err != nil {
			log.Errorf("smchannel: serve", err)
		}
	}()
	return func() { c.server.Stop() }, nil
}

// buildFleet constructs every subsystem and registers them with a
// Supervisor, leaves first. store and security have no dependencies;
// iam depends on security; cloud transport depends on security and iam; images,
// network and storage/state depend on the store (storage/state also
// on cloud, for its upstream reporter); the reconciler depends on all
// of those plus the SM registry; the SM server is wired in last since
// its handlers close over the reconciler and monitor.
func buildFleet(cfg Config, nodeID string) *fleet {
	storeC := &storeComponent{dataDir: cfg.WorkingDir}
	securityC := &securityComponent{certDir: cfg.CertDir}
	iamC := &iamComponent{cfg: cfg.IAM, security: securityC}
	cloudC := &cloudComponent{cfg: cfg.Cloud, nodeID: nodeID, security: securityC, iam: iamC}
	imageC := &imageComponent{cfg: cfg.Images, store: storeC}
	networkC := &networkComponent{cfg: cfg.Network, store: storeC}
	storageC := &storagestateComponent{cfg: cfg.StorageState, store: storeC, cloud: cloudC}
	monitorC := &monitorComponent{cfg: cfg.Monitor, cloud: cloudC}

	registry := smchannel.NewRegistry()
	reconcilerC := &reconcilerComponent{
		cfg: cfg.Reconciler, store: storeC, image: imageC, storage: storageC,
		network: networkC, registry: registry, cloud: cloudC,
	}
	smC := &smComponent{cfg: cfg.SMChannel, security: securityC, registry: registry, reconciler: reconcilerC, monitor: monitorC}

	sup := supervisor.New(
		storeC,
		securityC,
		iamC,
		cloudC,
		imageC,
		networkC,
		storageC,
		monitorC,
		reconcilerC,
		smC,
	)

	return &fleet{supervisor: sup, iam: iamC}
}
