// Package reconciler implements the update manager: the node's single
// state machine driving desired state to current state across the image
// service, storage/state supervisor, network manager and the connected
// SMs. See reconciler.go for the state machine itself, diff.go for the
// desired/current comparison, and plan.go for the per-node instance
// delta.
package reconciler
