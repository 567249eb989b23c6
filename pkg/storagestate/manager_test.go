package storagestate

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/stretchr/testify/require"
)

type quotaCall struct {
	path  string
	uid   int
	bytes uint64
}

type fakeQuota struct {
	mu    sync.Mutex
	calls []quotaCall
}

func (f *fakeQuota) SetUserQuota(path string, uid int, quotaBytes uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, quotaCall{path, uid, quotaBytes})
	return nil
}

type reporterCall struct {
	kind     string // "new" or "request"
	ident    types.InstanceIdent
	state    []byte
	checksum string
	useDefault bool
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []reporterCall
}

func (f *fakeReporter) ReportNewState(ident types.InstanceIdent, state []byte, checksum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reporterCall{kind: "new", ident: ident, state: state, checksum: checksum})
}

func (f *fakeReporter) RequestState(ident types.InstanceIdent, useDefault bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reporterCall{kind: "request", ident: ident, useDefault: useDefault})
}

func (f *fakeReporter) callsOfKind(kind string) []reporterCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reporterCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func newTestManager(t *testing.T, quota QuotaEnforcer, reporter StateReporter) (*Manager, store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := New(Config{
		StorageRoot: filepath.Join(t.TempDir(), "storage"),
		StateRoot:   filepath.Join(t.TempDir(), "state"),
	}, st, quota, reporter)
	require.NoError(t, err)
	return mgr, st
}

func testIdent() types.InstanceIdent {
	return types.InstanceIdent{ItemID: "item-1", SubjectID: "subject-1", Instance: 0}
}

func TestManagerSetupCreatesStorageDirAndIsIdempotent(t *testing.T) {
	mgr, st := newTestManager(t, nil, nil)
	ident := testIdent()

	result, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000})
	require.NoError(t, err)
	require.DirExists(t, result.StorageDir)
	require.Empty(t, result.StatePath)
	require.Len(t, result.Mounts, 1)

	info, err := st.GetStorageState(ident)
	require.NoError(t, err)
	require.NotEmpty(t, info.InstanceID)

	result2, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000})
	require.NoError(t, err)
	require.Equal(t, result.StorageDir, result2.StorageDir, "second Setup must reuse the same instanceID")
}

func TestManagerSetupWithStateQuotaRequestsStateOnFirstCreate(t *testing.T) {
	reporter := &fakeReporter{}
	mgr, _ := newTestManager(t, nil, reporter)
	ident := testIdent()

	result, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000, StateQuota: 1024})
	require.NoError(t, err)
	require.FileExists(t, result.StatePath)
	require.Len(t, result.Mounts, 2)

	requests := reporter.callsOfKind("request")
	require.Len(t, requests, 1)
	require.True(t, requests[0].useDefault)

	mgr.Cleanup(ident)
}

func TestManagerSetupSkipsRequestWhenChecksumAlreadyMatches(t *testing.T) {
	reporter := &fakeReporter{}
	mgr, st := newTestManager(t, nil, reporter)
	ident := testIdent()

	require.NoError(t, st.AddStorageState(&types.StorageStateInfo{
		Ident:         ident,
		InstanceID:    "fixed-id",
		StateChecksum: checksumBytes(nil),
	}))

	_, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000, StateQuota: 1024})
	require.NoError(t, err)

	require.Empty(t, reporter.callsOfKind("request"))
	mgr.Cleanup(ident)
}

func TestManagerQuotaCombinedWhenStorageAndStateShareAPartition(t *testing.T) {
	quota := &fakeQuota{}
	mgr, _ := newTestManager(t, quota, nil)
	ident := testIdent()

	_, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000, StorageQuota: 100, StateQuota: 50})
	require.NoError(t, err)
	mgr.Cleanup(ident)

	quota.mu.Lock()
	defer quota.mu.Unlock()
	require.Len(t, quota.calls, 1, "same-partition storage and state dirs should get one combined quota call")
	require.Equal(t, uint64(150), quota.calls[0].bytes)
}

func TestManagerUpdateStateThenAcceptPersistsChecksum(t *testing.T) {
	mgr, st := newTestManager(t, nil, nil)
	ident := testIdent()

	_, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000, StateQuota: 1024})
	require.NoError(t, err)
	defer mgr.Cleanup(ident)

	data := []byte("authoritative state")
	checksum := checksumBytes(data)
	require.NoError(t, mgr.UpdateState(ident, data, checksum))

	got, err := mgr.GetInstanceCheckSum(ident)
	require.NoError(t, err)
	require.Equal(t, checksum, got)

	require.NoError(t, mgr.AcceptState(ident, true, checksum))
	info, err := st.GetStorageState(ident)
	require.NoError(t, err)
	require.Equal(t, checksum, info.StateChecksum)
}

func TestManagerUpdateStateRejectsChecksumMismatch(t *testing.T) {
	mgr, _ := newTestManager(t, nil, nil)
	ident := testIdent()

	result, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000, StateQuota: 1024})
	require.NoError(t, err)
	defer mgr.Cleanup(ident)

	before, err := os.ReadFile(result.StatePath)
	require.NoError(t, err)

	err = mgr.UpdateState(ident, []byte("bad"), "not-the-real-checksum")
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindInvalidChecksum))

	after, err := os.ReadFile(result.StatePath)
	require.NoError(t, err)
	require.Equal(t, before, after, "a checksum mismatch must leave the file untouched")
}

func TestManagerAcceptStateRejectedRequestsState(t *testing.T) {
	reporter := &fakeReporter{}
	mgr, _ := newTestManager(t, nil, reporter)
	ident := testIdent()

	_, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000})
	require.NoError(t, err)

	require.NoError(t, mgr.AcceptState(ident, false, "whatever"))
	require.NotEmpty(t, reporter.callsOfKind("request"))
}

func TestManagerRemoveDeletesFilesAndRow(t *testing.T) {
	mgr, st := newTestManager(t, nil, nil)
	ident := testIdent()

	result, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000, StateQuota: 1024})
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ident))

	require.NoDirExists(t, result.StorageDir)
	require.NoFileExists(t, result.StatePath)

	_, err = st.GetStorageState(ident)
	require.True(t, aoserrors.Is(err, aoserrors.KindNotFound))

	// Idempotent: removing again is a no-op, not an error.
	require.NoError(t, mgr.Remove(ident))
}

func TestManagerCleanupLeavesFilesInPlace(t *testing.T) {
	mgr, _ := newTestManager(t, nil, nil)
	ident := testIdent()

	result, err := mgr.Setup(SetupParams{Ident: ident, UID: 1000, GID: 1000, StateQuota: 1024})
	require.NoError(t, err)

	mgr.Cleanup(ident)

	require.DirExists(t, result.StorageDir)
	require.FileExists(t, result.StatePath)
}

func TestManagerGetInstanceCheckSumUnknownIdentErrors(t *testing.T) {
	mgr, _ := newTestManager(t, nil, nil)
	_, err := mgr.GetInstanceCheckSum(testIdent())
	require.True(t, aoserrors.Is(err, aoserrors.KindNotFound))
}
