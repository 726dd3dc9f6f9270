// Package session owns the lifecycle of the single FTPS control session used
// by a relay run.
//
// Ownership boundary:
// - dial, explicit TLS upgrade, login and PBSZ negotiation
//
// - protection x data-direction mode probing in preference order
//
// - liveness probing, forced reconnects, keepalive and periodic recycling
//
// - retry/backoff primitives shared with the relay engine
//
// A Manager is owned by one goroutine. Only the manager replaces or closes the
// connection it hands out.
package session
