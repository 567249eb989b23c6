package smchannel

import (
	"context"
	"testing"
	"time"

	"github.com/aoscore/aos-cm/pkg/transport"
	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/stretchr/testify/require"
)

// pipeStream is a minimal in-memory transport.Stream for exercising
// Channel without a real grpc connection.
type pipeStream struct {
	ctx context.Context
	out chan *transport.Envelope
	in  chan *transport.Envelope
}

func newPipe(ctx context.Context) (client *pipeStream, peer *pipeStream) {
	ab := make(chan *transport.Envelope, 16)
	ba := make(chan *transport.Envelope, 16)
	return &pipeStream{ctx: ctx, out: ab, in: ba}, &pipeStream{ctx: ctx, out: ba, in: ab}
}

func (p *pipeStream) Send(e *transport.Envelope) error {
	select {
	case p.out <- e:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *pipeStream) Recv() (*transport.Envelope, error) {
	select {
	case e, ok := <-p.in:
		if !ok {
			return nil, context.Canceled
		}
		return e, nil
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

func (p *pipeStream) Context() context.Context { return p.ctx }

func TestChannelRequestResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	smSide, cmSide := newPipe(ctx)
	ch := newChannel(cmSide, AsyncHandlers{})
	go ch.Serve(ctx)

	go func() {
		req, err := smSide.Recv()
		require.NoError(t, err)
		require.Equal(t, KindUpdateInstances, req.Kind)
		_ = smSide.Send(transport.NewEnvelope(req.Kind, req.CorrelationID, NodeConfigStatusPayload{NodeID: "sm-1"}))
	}()

	var status NodeConfigStatusPayload
	err := ch.Request(ctx, KindUpdateInstances, UpdateInstancesPayload{}, &status, time.Second)
	require.NoError(t, err)
	require.Equal(t, "sm-1", status.NodeID)
}

func TestChannelRequestTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cmSide := newPipe(ctx)
	ch := newChannel(cmSide, AsyncHandlers{})
	go ch.Serve(ctx)

	err := ch.Request(ctx, KindUpdateInstances, UpdateInstancesPayload{}, nil, 20*time.Millisecond)
	require.Error(t, err)
}

func TestChannelDemuxesAsyncMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	smSide, cmSide := newPipe(ctx)

	statusCh := make(chan InstanceStatusPayload, 1)
	alertCh := make(chan AlertPayload, 1)

	ch := newChannel(cmSide, AsyncHandlers{
		OnInstanceStatus: func(nodeID string, p InstanceStatusPayload) { statusCh <- p },
		OnAlert:          func(nodeID string, p AlertPayload) { alertCh <- p },
	})
	go ch.Serve(ctx)

	ident := types.InstanceIdent{ItemID: "item-1", SubjectID: "subj-1", Instance: 0}
	require.NoError(t, smSide.Send(transport.NewEnvelope(KindInstanceStatus, "", InstanceStatusPayload{
		Status: types.InstanceStatus{Ident: ident, State: types.InstanceActive},
	})))
	require.NoError(t, smSide.Send(transport.NewEnvelope(KindAlert, "", AlertPayload{Ident: ident, Tag: "cpu", Message: "high load"})))

	select {
	case p := <-statusCh:
		require.Equal(t, types.InstanceActive, p.Status.State)
	case <-time.After(2 * time.Second):
		t.Fatal("InstanceStatus handler was never called")
	}

	select {
	case p := <-alertCh:
		require.Equal(t, "cpu", p.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("Alert handler was never called")
	}
}
