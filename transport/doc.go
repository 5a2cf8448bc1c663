// Package transport moves protocol requests between Hyperborea nodes.
//
// The protocol core is transport-agnostic: it only needs request/response
// byte exchange against an opaque endpoint locator. This package defines
// that boundary, the JSON request and response envelopes carried across
// it, an HTTP binding, and an in-memory loopback used to wire several
// nodes together inside one process for tests.
package transport
