// Package monitor aggregates per-node resource samples and alerts arriving
// from SM channels into averaged/instant views, and forwards both upstream
// over the cloud transport. See store.go for the view state, forwarder.go
// for the bounded delivery buffer, and monitor.go for the handlers wired to
// an smchannel.Registry.
package monitor
