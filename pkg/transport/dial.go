package transport

import (
	"context"
	"fmt"

	"github.com/aoscore/aos-cm/pkg/security"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DialMTLS opens a client connection to addr authenticated with the
// node's current identity certificate, as produced by
// NodeCertManager.ClientTLSConfig.
func DialMTLS(ctx context.Context, addr string, certMgr *security.NodeCertManager) (*grpc.ClientConn, error) {
	cfg, err := certMgr.ClientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("build client tls config: %w", err)
	}
	creds := credentials.NewTLS(cfg)
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}

// DialInsecureWithToken opens an unauthenticated plaintext connection,
// used for the provisioning exchange before the node holds a
// certificate. It attaches no credentials of any kind: no client
// certificate and no token.
func DialInsecureWithToken(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// NewMTLSServer builds a grpc.Server that requires and verifies a
// client certificate signed by the node's trust anchors, as produced
// by NodeCertManager.ServerTLSConfig.
func NewMTLSServer(certMgr *security.NodeCertManager) (*grpc.Server, error) {
	cfg, err := certMgr.ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("build server tls config: %w", err)
	}
	creds := credentials.NewTLS(cfg)
	return grpc.NewServer(grpc.Creds(creds)), nil
}
