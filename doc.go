// Package vault is an encrypted, deduplicating, transactional object
// repository layered over a pluggable block backend.
//
// A Repository stores byte-string objects under byte-string keys.
// Object content is split into content-defined chunks, each compressed,
// authenticated-encrypted, and addressed by content digest; identical
// chunks across objects and across history share a single backend block.
// Mutations are staged in memory and made durable only by Commit, via a
// two-phase header swap that leaves the previous commit intact until the
// new one is fully written.
//
// Concrete block backends are not part of this package; callers provide
// one satisfying blockstore.BlockStore.
package vault
