package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the grpc service name every stream in the system
// registers under. There is exactly one RPC, Exchange, a bidirectional
// stream of Envelopes; IAM, cloud, and SM traffic are all instances of
// it, distinguished only by which address they dial and what Kinds
// they send.
const ServiceName = "aoscm.transport.Exchange"

// Stream is the bidirectional envelope stream handed to both sides of
// an Exchange call. It wraps the raw grpc stream so callers never touch
// structpb directly.
type Stream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	Context() context.Context
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(e *Envelope) error {
	p, err := e.ToProto()
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(p)
}

func (s *serverStream) Recv() (*Envelope, error) {
	var p structpb.Struct
	if err := s.ServerStream.RecvMsg(&p); err != nil {
		return nil, err
	}
	return FromProto(&p)
}

type clientStream struct {
	grpc.ClientStream
}

func (s *clientStream) Send(e *Envelope) error {
	p, err := e.ToProto()
	if err != nil {
		return err
	}
	return s.ClientStream.SendMsg(p)
}

func (s *clientStream) Recv() (*Envelope, error) {
	var p structpb.Struct
	if err := s.ClientStream.RecvMsg(&p); err != nil {
		return nil, err
	}
	return FromProto(&p)
}

// ExchangeHandler implements the Exchange RPC's business logic. Server
// registration (via RegisterExchangeServer) binds this into a
// grpc.Server without a generated service interface.
type ExchangeHandler func(stream Stream) error

// RegisterExchangeServer registers handler as the Exchange service on
// grpcServer.
func RegisterExchangeServer(grpcServer *grpc.Server, handler ExchangeHandler) {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Exchange",
				ServerStreams: true,
				ClientStreams: true,
				Handler: func(srv any, stream grpc.ServerStream) error {
					return handler(&serverStream{ServerStream: stream})
				},
			},
		},
	}
	grpcServer.RegisterService(desc, nil)
}

// OpenExchange opens the client side of the Exchange stream on conn.
func OpenExchange(ctx context.Context, conn *grpc.ClientConn) (Stream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    "Exchange",
		ServerStreams: true,
		ClientStreams: true,
	}
	cs, err := conn.NewStream(ctx, desc, "/"+ServiceName+"/Exchange")
	if err != nil {
		return nil, err
	}
	return &clientStream{ClientStream: cs}, nil
}
