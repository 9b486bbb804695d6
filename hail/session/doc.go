// Package session runs the hail handshake and keeps per-peer channel state.
//
// A Coordinator wraps any transport.Transport. On the acceptor, every new
// connection receives an offer holding an ephemeral X25519 key, optionally
// signed by a certificate. The initiator answers with its own key and both
// sides derive a ChaCha20 channel from the shared secret. The acceptor then
// sends a ready marker and only from that point does either side report the
// peer as connected.
//
//	acceptor                      initiator
//	   | ---- OFFER [cert] pub ----> |
//	   | <------ RESPONSE pub ------ |
//	   | ---------- READY ---------> |
//	   | <========= DATA =========> |
//
// Every per-peer mutation goes through a Registry.
package session
