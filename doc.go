// Package quiver is a vector-capable analytical database engine.
//
// This repository contains the storage engine lifecycle core: the storage
// supervisor that drives mode transitions (uninitialized, admin, readable,
// writable) and brings up and tears down the coordinated set of managers
// (write-ahead log, buffer pool, catalog, transaction manager, background
// processors, periodic triggers, object and persistence stores) while
// preserving durability and consistency across those transitions.
//
// The root package carries the shared logger and status types. The lifecycle
// core itself lives in the storage package and its subpackages; reusable blob
// access lives in blobstore.
package quiver
