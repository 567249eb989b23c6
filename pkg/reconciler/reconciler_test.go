package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aoscore/aos-cm/pkg/cloudtransport"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeStatusReporter struct {
	mu    sync.Mutex
	sends []types.UnitStatus
}

func (f *fakeStatusReporter) Send(kind, correlationID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == cloudtransport.KindUnitStatus {
		f.sends = append(f.sends, payload.(types.UnitStatus))
	}
	return nil
}

func newRunnableReconciler(t *testing.T, dispatch SMDispatcher, status StatusReporter) *Reconciler {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r, err := New(
		Config{InstallConcurrency: 2, InstallTimeout: time.Second, DispatchTimeout: time.Second},
		st, &fakeInstaller{}, fakeStorage{}, fakeNetwork{}, dispatch, status,
	)
	require.NoError(t, err)
	return r
}

func TestHandleDesiredStatusAppliesImmediatelyWhenIdle(t *testing.T) {
	r := newRunnableReconciler(t, &fakeDispatcher{}, &fakeStatusReporter{})

	d := &types.DesiredStatus{}
	r.HandleDesiredStatus(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Same(t, d, r.active)
	require.Nil(t, r.pending)
}

func TestHandleDesiredStatusCoalescesWhileBusy(t *testing.T) {
	r := newRunnableReconciler(t, &fakeDispatcher{}, &fakeStatusReporter{})

	first := &types.DesiredStatus{}
	second := &types.DesiredStatus{}
	third := &types.DesiredStatus{}

	r.HandleDesiredStatus(first)
	r.HandleDesiredStatus(second)
	r.HandleDesiredStatus(third)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Same(t, first, r.active)
	require.Same(t, third, r.pending)
}

func TestRunCycleInstallsAndEmitsStatus(t *testing.T) {
	status := &fakeStatusReporter{}
	r := newRunnableReconciler(t, &fakeDispatcher{}, status)

	desired := &types.DesiredStatus{
		Items:     []types.UpdateItem{item("svc-a", "1", types.ItemTypeService)},
		Instances: []types.InstanceInfo{instance("svc-a", "subj", 0, "node-1", "1", 0)},
	}
	r.active = desired
	r.runCycle(context.Background())

	require.Equal(t, types.UpdateStateNoUpdate, r.State())
	status.mu.Lock()
	defer status.mu.Unlock()
	require.Len(t, status.sends, 1)
	require.Len(t, status.sends[0].Instances, 1)
	require.Equal(t, types.InstanceActive, status.sends[0].Instances[0].State)
}

func TestFinishCyclePromotesQueuedPending(t *testing.T) {
	r := newRunnableReconciler(t, &fakeDispatcher{}, &fakeStatusReporter{})

	applied := &types.DesiredStatus{}
	next := &types.DesiredStatus{}
	r.mu.Lock()
	r.active = applied
	r.pending = next
	r.mu.Unlock()

	r.finishCycle(applied)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Same(t, next, r.active)
	require.Nil(t, r.pending)
}

func TestReconcilerStateValueOrdering(t *testing.T) {
	require.Equal(t, float64(0), reconcilerStateValue(types.UpdateStateNoUpdate))
	require.Equal(t, float64(1), reconcilerStateValue(types.UpdateStateDownloading))
	require.Equal(t, float64(2), reconcilerStateValue(types.UpdateStateReady))
	require.Equal(t, float64(3), reconcilerStateValue(types.UpdateStateInstalling))
}
