package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/metrics"
	"github.com/aoscore/aos-cm/pkg/smchannel"
	"github.com/aoscore/aos-cm/pkg/storagestate"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/types"
)

// Installer resolves one UpdateItem's content locally, matching
// (*imageservice.Service).Install's signature directly so the concrete
// service satisfies this interface without an adapter.
type Installer interface {
	Install(ctx context.Context, item types.UpdateItem, digestStr string) (string, error)
}

// StorageStateManager prepares and tears down an instance's persistent
// storage/state, matching (*storagestate.Manager)'s method set.
type StorageStateManager interface {
	Setup(params storagestate.SetupParams) (storagestate.SetupResult, error)
	Remove(ident types.InstanceIdent) error
}

// NetworkManager assigns and releases an instance's network parameters,
// matching (*networkmgr.Manager)'s method set.
type NetworkManager interface {
	PrepareInstanceNetworkParameters(ident types.InstanceIdent, networkID, nodeID string, svc types.ServiceData) (*types.NetworkParameters, error)
	RemoveInstanceNetworkParameters(ident types.InstanceIdent, nodeID string) error
}

// StatusReporter sends a message upstream, matching
// (*cloudtransport.Transport).Send's signature directly.
type StatusReporter interface {
	Send(kind, correlationID string, payload any) error
}

// Config tunes the reconciliation loop's concurrency and deadlines.
type Config struct {
	InstallConcurrency int           // bounded parallelism for image service Install calls
	InstallTimeout     time.Duration // per-item context deadline passed to Install
	DispatchTimeout    time.Duration // per-SM UpdateInstances ack deadline
}

func (c Config) withDefaults() Config {
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = 4
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 10 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// Reconciler is the single-threaded dispatcher that owns the UpdateState
// machine. All state transitions happen inside run, on the goroutine
// Start spawns; every other method only touches r.mu-guarded fields or
// sends on r.wake.
type Reconciler struct {
	cfg       Config
	store     store.Store
	installer Installer
	storage   StorageStateManager
	network   NetworkManager
	dispatch  SMDispatcher
	status    StatusReporter

	mu      sync.Mutex
	state   types.UpdateStateKind
	active  *types.DesiredStatus // the DesiredStatus the current/next run applies
	pending *types.DesiredStatus // superseding DesiredStatus received mid-run, coalesced
	wake    chan struct{}

	statusMu   sync.Mutex
	lastStatus map[types.InstanceIdent]types.InstanceStatus

	pendingMu     sync.Mutex
	pendingDeltas map[string]*nodeDelta // keyed by NodeID, undelivered due to SM disconnection
}

// New builds a Reconciler rooted at the persisted UpdateState cursor.
func New(
	cfg Config, st store.Store, installer Installer, storage StorageStateManager,
	network NetworkManager, dispatch SMDispatcher, status StatusReporter,
) (*Reconciler, error) {
	state, err := st.GetUpdateState()
	if err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "reconciler: load update state", err)
	}

	return &Reconciler{
		cfg:           cfg.withDefaults(),
		store:         st,
		installer:     installer,
		storage:       storage,
		network:       network,
		dispatch:      dispatch,
		status:        status,
		state:         state,
		wake:          make(chan struct{}, 1),
		lastStatus:    make(map[types.InstanceIdent]types.InstanceStatus),
		pendingDeltas: make(map[string]*nodeDelta),
	}, nil
}

// Start runs the dispatcher loop until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	log.Info("reconciler: dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler: dispatcher stopped")
			return
		case <-r.wake:
			r.runCycle(ctx)
		}
	}
}

// HandleDesiredStatus is the cloud transport's entry point for a new
// DesiredStatus. While a run is in flight the new status supersedes any
// earlier queued one and is applied only once the machine returns to
// noUpdate: an in-flight run is never preempted.
func (r *Reconciler) HandleDesiredStatus(d *types.DesiredStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == types.UpdateStateNoUpdate && r.active == nil {
		r.active = d
	} else {
		r.pending = d
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// HandleInstanceStatus records an SM's report of one instance's actual
// state, consulted when the next UnitStatus is emitted upstream. Wire
// this as an smchannel.AsyncHandlers.OnInstanceStatus callback.
func (r *Reconciler) HandleInstanceStatus(_ string, p smchannel.InstanceStatusPayload) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.lastStatus[p.Status.Ident] = p.Status
}

// runCycle executes one full noUpdate->downloading->ready->installing->
// noUpdate pass for whatever DesiredStatus is current, then immediately
// starts the next queued one if any arrived meanwhile.
func (r *Reconciler) runCycle(ctx context.Context) {
	r.mu.Lock()
	desired := r.active
	r.mu.Unlock()
	if desired == nil {
		return
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.setState(types.UpdateStateDownloading)

	current, err := r.store.ListUpdateItems()
	if err != nil {
		log.Error("reconciler: list current items: " + err.Error())
		r.finishCycle(nil)
		return
	}
	planned := diffItems(current, desired.Items)
	r.installItems(ctx, planned)

	r.setState(types.UpdateStateReady)

	currentInstances, err := r.store.ListInstances()
	if err != nil {
		log.Error("reconciler: list current instances: " + err.Error())
		r.finishCycle(nil)
		return
	}
	deltas := buildDeltas(currentInstances, desired.Instances)

	r.setState(types.UpdateStateInstalling)
	results := r.applyDeltas(ctx, deltas)

	if err := r.store.SetDesiredStatus(desired); err != nil {
		log.Error("reconciler: persist desired status: " + err.Error())
	}
	r.emitUnitStatus(desired, results)

	r.finishCycle(desired)
}

// finishCycle returns the machine to noUpdate and, if a DesiredStatus
// queued up while applied was running, promotes it and wakes the loop
// again immediately; otherwise it goes idle until HandleDesiredStatus
// fires next.
func (r *Reconciler) finishCycle(applied *types.DesiredStatus) {
	r.setState(types.UpdateStateNoUpdate)

	r.mu.Lock()
	if r.active == applied {
		r.active = nil
	}
	if r.pending != nil {
		r.active = r.pending
		r.pending = nil
	}
	hasNext := r.active != nil
	r.mu.Unlock()

	if hasNext {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

func (r *Reconciler) setState(s types.UpdateStateKind) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()

	if err := r.store.SetUpdateState(s); err != nil {
		log.Warn("reconciler: persist update state " + string(s) + ": " + err.Error())
	}
	metrics.ReconcilerStateGauge.Set(reconcilerStateValue(s))
}

func reconcilerStateValue(s types.UpdateStateKind) float64 {
	switch s {
	case types.UpdateStateDownloading:
		return 1
	case types.UpdateStateReady:
		return 2
	case types.UpdateStateInstalling:
		return 3
	default:
		return 0
	}
}

// State returns the reconciler's current cursor, primarily for tests and
// status reporting.
func (r *Reconciler) State() types.UpdateStateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
