package cloudtransport

import (
	"context"
	"testing"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/security"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, queueSize int) *Transport {
	t.Helper()
	certMgr := security.NewNodeCertManager(t.TempDir())
	return New(Config{Addr: "cloud.example:443", QueueSize: queueSize, EnqueueTimeout: 50 * time.Millisecond}, certMgr, func() HelloPayload {
		return HelloPayload{NodeID: "node-1"}
	})
}

func TestSendEnqueuesWithinCapacity(t *testing.T) {
	tr := newTestTransport(t, 4)

	for i := 0; i < 4; i++ {
		require.NoError(t, tr.Send(KindUnitStatus, "", nil))
	}
	require.Len(t, tr.outbound, 4)
}

func TestSendTimesOutWhenQueueFull(t *testing.T) {
	tr := newTestTransport(t, 1)
	require.NoError(t, tr.Send(KindUnitStatus, "", nil))

	err := tr.Send(KindUnitStatus, "", nil)
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindTimeout))
}

func TestStopDrainsOutboundQueue(t *testing.T) {
	tr := newTestTransport(t, 4)
	require.NoError(t, tr.Send(KindUnitStatus, "", nil))
	require.NoError(t, tr.Send(KindUnitStatus, "", nil))
	require.Len(t, tr.outbound, 2)

	tr.Stop()
	require.Len(t, tr.outbound, 0)
}

func TestDialFailsBeforeProvisioning(t *testing.T) {
	tr := newTestTransport(t, 4)

	_, err := tr.dial(context.Background())
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindWrongState))
}
