/*
Package cloudtransport maintains the single logical stream to the cloud
control plane: mTLS session, hello-on-connect, jittered reconnect, and
a bounded outbound queue that applies backpressure instead of growing
without limit. The transport only dials once the node holds an
identity certificate from pkg/iamclient; until then every dial attempt
fails with KindWrongState and is retried. There is no plain-TLS session
before that point.

The transport carries message kinds such as desiredStatus, unitStatus,
newState, stateRequest, updateState, and stateAcceptance as
transport.Envelope payloads; it does not interpret them beyond routing
inbound envelopes to the handler registered with SetHandler.
*/
package cloudtransport
