// Package storage defines the capability interface every storage backend
// implements, the transaction contract, the error taxonomy shared by
// backends and recipes, the compiled-in backend registry, and the retry
// helpers recipes use for read-modify-write sequences.
//
// A Backend carries the lifecycle all implementations share. Data
// operations are grouped into capability interfaces (KeyValueStorage,
// TOTPStorage, SigningKeyStorage, ...); recipes narrow a Backend to the
// capability they need with Narrow. Operations suffixed with Tx must be
// called with the *Tx handed to a StartTransaction callback.
//
// Backends live in subpackages: sqlite (embedded), postgres (plugin) and
// memory (key-value only). The layer subpackage selects the active backend
// at startup.
package storage
