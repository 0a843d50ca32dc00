// Package session owns backend call reliability helpers.
//
// Ownership boundary:
// - retry/backoff math shared by calls and reconnect loops
// - pending call bookkeeping (outbox)
// - client transport security (https/wss)
package session
