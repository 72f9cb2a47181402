// Package settings holds the settings tree model shared by the store, the
// persistence layer and the connection tester: paths, source layers, the
// known-path schema, the value resolver and the connection status records.
//
// Nothing in this package performs I/O. Trees are plain nested maps; every
// mutating helper returns a new tree and leaves its input untouched, so a tree
// that has been handed out inside a Snapshot can be shared freely.
package settings
