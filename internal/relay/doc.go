// Package relay is the transfer-and-relocate engine.
//
// Ownership boundary:
// - failure classification into the relay error taxonomy
//
// - remote directory provisioning
//
// - per-item fetch/store with integrity checks and remote relocation
//
// - bounded retry with backoff, and the Strict and Requeue batch policies
//
// - the receive and send pipelines wired to the remote enumerator, the local
// store and the archive extractor
//
// Everything here runs on one goroutine against one session. The Ledger is
// the only type read concurrently (by the status endpoint).
package relay
