// Package types defines the shared data model: nodes, update items,
// per-instance identity and placement, storage/state bookkeeping, and
// network assignments. Every other package builds on these plain structs
// rather than redefining its own view of the same entities.
package types
