package iamclient

import (
	"context"

	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/transport"
	"google.golang.org/grpc"
)

// Session adapts Client.Run to transport.Session, for use as the body
// of a transport.Reconnector loop:
//
//	r := transport.NewReconnector(dial)
//	go r.Run(ctx, client.Session)
func (c *Client) Session(ctx context.Context, conn *grpc.ClientConn) error {
	stream, err := transport.OpenExchange(ctx, conn)
	if err != nil {
		return err
	}
	log.Info("iamclient: connected to IAM")
	err = c.Run(ctx, stream)
	if err != nil && ctx.Err() == nil {
		log.Errorf("iamclient: stream ended", err)
	}
	return err
}
