// Package cache defines the partitioned response store that backs the
// worker's cache-first and network-first strategies. A Store holds named
// partitions (static-v1.0.0, dynamic-v1.0.0, ...); each partition maps a
// RequestKey (method + absolute URL) to exactly one stored Response, and a
// later Put to the same key replaces the previous entry wholesale.
//
// Backends: the filesystem store (temp file + rename per entry), an in-memory
// store built on bigcache, a redis store (one hash per partition), a sqlite
// store, and an optional ristretto hot tier that wraps any of them. Stored
// responses are serialized with msgpack or cbor.
package cache
