// Package registry holds the coordination state shared by every client
// connection: a lease-based lock and a publish/subscribe channel addressed by
// the same string keyspace. Registry owns the per-key state machine and Index
// keeps the reverse map from a connection to the keys it participates in, so
// disconnect cleanup only touches that connection's footprint.
//
// Neither type performs I/O. Operations that must inform other connections
// return Notification values which the caller hands to a notifier after the
// registry lock has been released.
package registry
