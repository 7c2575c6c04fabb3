// Package graph models the provenance of preserved digital objects.
//
// Objects come in three variants (master, optimized, converted) and are
// linked by migration edges of three kinds (conversion, optimization,
// transformation). Either end of an edge may be a locally stored object or a
// foreign identifier together with the resolver that knows about it.
//
// Objects and edges are held by surrogate id; relationships live in the store
// and every mutation of an edge runs inside a single Tx.
package graph
