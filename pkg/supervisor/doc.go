// Package supervisor owns the daemon's start/stop order: every long-lived
// component is registered once, leaves first, and the Supervisor drives
// Init then Start across the whole set before reversing the order on Stop.
// See supervisor.go for the Component contract and ordering guarantees.
package supervisor
