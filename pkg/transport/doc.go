/*
Package transport is the connection fabric shared by the IAM client
(pkg/iamclient), the cloud transport (pkg/cloudtransport), and the SM
channel server (pkg/smchannel): mTLS dial/listen helpers built on
NodeCertManager, a single bidirectional-streaming grpc service carrying
a generic envelope, and a jittered reconnect loop.

Every stream in the system carries the same wire shape, a
structpb.Struct with four top-level fields: version, kind,
correlationId, and payload. payload is itself a nested structpb.Struct
built from whatever Go type the caller is sending, JSON-marshaled and
then converted. This lets every business message (DesiredStatus,
InstanceStatus, a provisioning RPC request, ...) travel over one
hand-written grpc.ServiceDesc without a protoc step: structpb.Struct is
already a stable, generated proto.Message, so the default grpc proto
codec handles it with no additional wiring.

Higher packages decode the payload into their own types by switching on
Kind; transport itself never knows what a DesiredStatus or an
InstanceStatus looks like.
*/
package transport
