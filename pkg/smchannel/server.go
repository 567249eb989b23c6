package smchannel

import (
	"net"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/security"
	"github.com/aoscore/aos-cm/pkg/transport"
	"google.golang.org/grpc"
)

// Server accepts mTLS connections from SM workers, requiring each
// one's first message to be an SMInfo announcement before admitting it
// into the Registry.
type Server struct {
	registry *Registry
	handlers AsyncHandlers
	grpc     *grpc.Server
}

// NewServer builds a Server bound to certMgr's identity certificate.
func NewServer(certMgr *security.NodeCertManager, registry *Registry, handlers AsyncHandlers) (*Server, error) {
	grpcServer, err := transport.NewMTLSServer(certMgr)
	if err != nil {
		return nil, err
	}

	s := &Server{registry: registry, handlers: handlers, grpc: grpcServer}
	transport.RegisterExchangeServer(grpcServer, s.handleExchange)
	return s, nil
}

func (s *Server) handleExchange(stream transport.Stream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Kind != KindSMInfo {
		return aoserrors.New(aoserrors.KindInvalidArgument, "smchannel: first message on a new connection must be SMInfo")
	}

	var info SMInfoPayload
	if err := first.DecodePayload(&info); err != nil {
		return aoserrors.Wrap(aoserrors.KindInvalidArgument, "smchannel: decode SMInfo", err)
	}
	if info.NodeID == "" {
		return aoserrors.New(aoserrors.KindInvalidArgument, "smchannel: SMInfo missing nodeId")
	}

	ch := newChannel(stream, s.handlers)
	ch.NodeID = info.NodeID
	ch.Runtimes = info.Runtimes
	ch.Resources = info.Resources

	s.registry.Register(ch)
	defer s.registry.Unregister(ch)

	return ch.Serve(stream.Context())
}

// Serve blocks accepting connections on lis until the server is
// stopped or lis errors.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server, waiting for in-flight exchanges to
// finish.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
