// Package ftp owns the FTP/FTPS control-channel client used by the relay.
//
// Ownership boundary:
// - command verbs and reply parsing
//
// - explicit TLS upgrade of the control channel
//
// - data-channel setup (passive or active) and protection wrapping
//
// The client is not safe for concurrent use. One control connection carries
// one command at a time and at most one open data channel.
//
// Data-channel customization is injected through DataChannelStrategy instead
// of overriding client internals.
package ftp
