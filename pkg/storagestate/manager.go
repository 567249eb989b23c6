package storagestate

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// stateFileSuffix is the on-disk suffix for a per-instance state file.
const stateFileSuffix = "_state.dat"

// StateReporter mirrors the cloud-bound state payloads (cloudtransport's
// NewStatePayload/StateRequestPayload) field-for-field without importing
// that package, the same sibling-interface pattern pkg/imageservice uses
// for ChunkSender: cmd/aos-cm's cloudStateReporter wires the two together.
type StateReporter interface {
	ReportNewState(ident types.InstanceIdent, state []byte, checksum string)
	RequestState(ident types.InstanceIdent, useDefault bool)
}

// Config locates the root directories instance storage/state live under.
type Config struct {
	StorageRoot string
	StateRoot   string
}

// SetupParams is the input to Setup: the instance identity, the UID/GID
// its files should be owned by, and its current quotas.
type SetupParams struct {
	Ident        types.InstanceIdent
	UID          int
	GID          int
	StorageQuota uint64
	StateQuota   uint64
}

// SetupResult carries the prepared host paths plus an OCI mount list an
// SM can bind-mount without understanding CM's on-disk layout.
type SetupResult struct {
	StorageDir string
	StatePath  string // empty when StateQuota is zero
	Mounts     []specs.Mount
}

// Manager implements the Storage/State Supervisor contract: per-instance
// directory and state-file lifecycle, quota enforcement, and the
// checksum handshake with the cloud.
type Manager struct {
	cfg      Config
	store    store.Store
	quota    QuotaEnforcer
	reporter StateReporter

	mu        sync.Mutex
	checksums map[types.InstanceIdent]string
	watchers  map[types.InstanceIdent]*stateWatcher
}

// New builds a Manager rooted at cfg's directories. A nil quota disables
// enforcement (tests, or platforms without quota support).
func New(cfg Config, st store.Store, quota QuotaEnforcer, reporter StateReporter) (*Manager, error) {
	if quota == nil {
		quota = noopQuotaEnforcer{}
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "storagestate: create storage root", err)
	}
	if err := os.MkdirAll(cfg.StateRoot, 0o755); err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "storagestate: create state root", err)
	}

	return &Manager{
		cfg:       cfg,
		store:     st,
		quota:     quota,
		reporter:  reporter,
		checksums: make(map[types.InstanceIdent]string),
		watchers:  make(map[types.InstanceIdent]*stateWatcher),
	}, nil
}

func (m *Manager) storageDir(instanceID string) string {
	return filepath.Join(m.cfg.StorageRoot, instanceID)
}

func (m *Manager) statePath(instanceID string) string {
	return filepath.Join(m.cfg.StateRoot, instanceID+stateFileSuffix)
}

// Setup looks up or creates the StorageStateInfo row, prepares the
// storage directory and (if StateQuota > 0) the state file and its
// watcher, reconciles quotas, and returns the prepared paths.
func (m *Manager) Setup(params SetupParams) (SetupResult, error) {
	info, err := m.store.GetStorageState(params.Ident)
	switch {
	case aoserrors.Is(err, aoserrors.KindNotFound):
		info = &types.StorageStateInfo{
			Ident:      params.Ident,
			InstanceID: uuid.New().String(),
		}
		if err := m.store.AddStorageState(info); err != nil {
			return SetupResult{}, aoserrors.Wrap(aoserrors.KindFailed, "storagestate: create info row", err)
		}
	case err != nil:
		return SetupResult{}, aoserrors.Wrap(aoserrors.KindFailed, "storagestate: load info row", err)
	}

	storageDir := m.storageDir(info.InstanceID)
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return SetupResult{}, aoserrors.Wrap(aoserrors.KindFailed, "storagestate: create storage dir", err)
	}
	if err := os.Chown(storageDir, params.UID, params.GID); err != nil {
		log.Warn("storagestate: chown storage dir " + storageDir + ": " + err.Error())
	}

	result := SetupResult{StorageDir: storageDir}
	result.Mounts = append(result.Mounts, specs.Mount{
		Source:      storageDir,
		Destination: "/storage",
		Type:        "bind",
		Options:     []string{"bind", "rw"},
	})

	if params.StateQuota > 0 {
		statePath := m.statePath(info.InstanceID)
		if err := m.prepareStateFile(statePath, params); err != nil {
			return SetupResult{}, err
		}

		result.StatePath = statePath
		result.Mounts = append(result.Mounts, specs.Mount{
			Source:      statePath,
			Destination: "/state/" + info.InstanceID + stateFileSuffix,
			Type:        "bind",
			Options:     []string{"bind", "rw"},
		})

		if err := m.startWatching(params.Ident, statePath); err != nil {
			return SetupResult{}, err
		}
	}

	if err := m.reconcileQuotas(info, storageDir, result.StatePath, params); err != nil {
		return SetupResult{}, err
	}

	return result, nil
}

func (m *Manager) prepareStateFile(statePath string, params SetupParams) error {
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		f, err := os.OpenFile(statePath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: create state file", err)
		}
		f.Close()
		if err := os.Chown(statePath, params.UID, params.GID); err != nil {
			log.Warn("storagestate: chown state file " + statePath + ": " + err.Error())
		}
	}

	checksum, err := checksumFile(statePath)
	if err != nil {
		return err
	}

	info, err := m.store.GetStorageState(params.Ident)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: reload info row", err)
	}

	m.mu.Lock()
	m.checksums[params.Ident] = checksum
	m.mu.Unlock()

	if checksum != info.StateChecksum {
		if m.reporter != nil {
			m.reporter.RequestState(params.Ident, info.StateChecksum == "")
		}
	}

	return nil
}

func (m *Manager) startWatching(ident types.InstanceIdent, statePath string) error {
	m.mu.Lock()
	if _, ok := m.watchers[ident]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	w, err := newStateWatcher(statePath, func() { m.onStateFileChanged(ident, statePath) })
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: watch state file", err)
	}

	m.mu.Lock()
	m.watchers[ident] = w
	m.mu.Unlock()

	return nil
}

// onStateFileChanged is the debounced watcher callback: re-read the file,
// and only act if the content actually changed (an event storm from a
// touch leaves the checksum identical).
func (m *Manager) onStateFileChanged(ident types.InstanceIdent, statePath string) {
	checksum, err := checksumFile(statePath)
	if err != nil {
		log.Warn("storagestate: re-read state file after change: " + err.Error())
		return
	}

	m.mu.Lock()
	prev := m.checksums[ident]
	if prev == checksum {
		m.mu.Unlock()
		return
	}
	m.checksums[ident] = checksum
	m.mu.Unlock()

	if m.reporter == nil {
		return
	}
	data, err := os.ReadFile(statePath)
	if err != nil {
		log.Warn("storagestate: read changed state file: " + err.Error())
		return
	}
	m.reporter.ReportNewState(ident, data, checksum)
}

func (m *Manager) reconcileQuotas(info *types.StorageStateInfo, storageDir, statePath string, params SetupParams) error {
	if params.StorageQuota == info.StorageQuota && params.StateQuota == info.StateQuota {
		return nil
	}

	combined := statePath == "" // no independent state quota to split
	if statePath != "" {
		same, err := samePartition(storageDir, filepath.Dir(statePath))
		if err != nil {
			log.Warn("storagestate: same-partition check: " + err.Error())
		} else {
			combined = same
		}
	}

	if combined {
		total := params.StorageQuota + params.StateQuota
		if err := m.quota.SetUserQuota(storageDir, params.UID, total); err != nil {
			logQuotaFailure(storageDir, err)
		}
	} else {
		if err := m.quota.SetUserQuota(storageDir, params.UID, params.StorageQuota); err != nil {
			logQuotaFailure(storageDir, err)
		}
		if err := m.quota.SetUserQuota(filepath.Dir(statePath), params.UID, params.StateQuota); err != nil {
			logQuotaFailure(statePath, err)
		}
	}

	info.StorageQuota = params.StorageQuota
	info.StateQuota = params.StateQuota
	return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: persist quotas", m.store.UpdateStorageState(info))
}

// Cleanup tears down the watcher for an instance without touching any
// files on disk.
func (m *Manager) Cleanup(ident types.InstanceIdent) {
	m.mu.Lock()
	w, ok := m.watchers[ident]
	delete(m.watchers, ident)
	m.mu.Unlock()

	if ok {
		if err := w.Close(); err != nil {
			log.Warn("storagestate: close watcher: " + err.Error())
		}
	}
}

// Remove tears down the watcher, deletes the state file and storage dir,
// and removes the StorageStateInfo row. It is idempotent: a missing row
// is treated as already removed.
func (m *Manager) Remove(ident types.InstanceIdent) error {
	m.Cleanup(ident)

	m.mu.Lock()
	delete(m.checksums, ident)
	m.mu.Unlock()

	info, err := m.store.GetStorageState(ident)
	if aoserrors.Is(err, aoserrors.KindNotFound) {
		return nil
	}
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: load info row for removal", err)
	}

	if err := os.RemoveAll(m.storageDir(info.InstanceID)); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: remove storage dir", err)
	}
	if err := os.Remove(m.statePath(info.InstanceID)); err != nil && !os.IsNotExist(err) {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: remove state file", err)
	}

	return m.store.RemoveStorageState(ident)
}

// UpdateState receives an authoritative state blob from the cloud,
// verifies its checksum, and writes it atomically. Any I/O error leaves
// the existing file untouched. The checksum is recorded in-memory only;
// it is not yet the accepted value until AcceptState confirms it.
func (m *Manager) UpdateState(ident types.InstanceIdent, data []byte, checksum string) error {
	if checksumBytes(data) != checksum {
		return aoserrors.New(aoserrors.KindInvalidChecksum, "storagestate: checksum mismatch on update")
	}

	info, err := m.store.GetStorageState(ident)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: load info row", err)
	}

	path := m.statePath(info.InstanceID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: write state file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: commit state file", err)
	}

	m.mu.Lock()
	m.checksums[ident] = checksum
	m.mu.Unlock()

	return nil
}

// AcceptState is the cloud's answer to a previously reported newState. On
// acceptance the checksum becomes durable; anything else re-requests the
// authoritative value.
func (m *Manager) AcceptState(ident types.InstanceIdent, accepted bool, checksum string) error {
	if !accepted {
		if m.reporter != nil {
			m.reporter.RequestState(ident, false)
		}
		return nil
	}

	info, err := m.store.GetStorageState(ident)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: load info row", err)
	}

	info.StateChecksum = checksum
	return aoserrors.Wrap(aoserrors.KindFailed, "storagestate: persist accepted checksum", m.store.UpdateStorageState(info))
}

// GetInstanceCheckSum returns the in-memory (not necessarily accepted)
// checksum last observed for ident.
func (m *Manager) GetInstanceCheckSum(ident types.InstanceIdent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checksum, ok := m.checksums[ident]
	if !ok {
		return "", aoserrors.New(aoserrors.KindNotFound, "storagestate: no checksum recorded for "+ident.String())
	}
	return checksum, nil
}
