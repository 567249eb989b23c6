/*
Package smchannel manages one stream per registered SM (service
manager) worker, mirroring pkg/cloudtransport's shape but as the server
side: SMs dial in, are keyed by the NodeID they advertise in their
first SMInfo message, and from then on exchange typed request/response
pairs with an enforced deadline alongside asynchronous
status/monitoring/alert/log traffic.

A Request past its deadline fails with aoserrors.KindTimeout rather
than blocking its caller (almost always the reconciler) indefinitely.
*/
package smchannel
