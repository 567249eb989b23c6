// Package storagestate manages the per-instance persistent-storage
// directory and state file: directory lifecycle and quota enforcement,
// state-file change detection via a debounced fsnotify watcher, and the
// in-memory/cloud checksum handshake driven by the StorageStateInfo row
// in pkg/store.
package storagestate
