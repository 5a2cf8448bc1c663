// Package routing implements the Hyperborea routing table: the mapping
// from client identity to the server currently hosting it.
//
// The table is a cache, not a resolver. Lookups that miss return
// ErrNotFound and never trigger network traffic; running a traversal is
// an explicit caller decision.
package routing
