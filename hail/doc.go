// Package hail is a secure-channel overlay for packet transports.
//
// It sits between an application's datagrams and any transport.Transport.
// For every connection it runs a three-message handshake: an ephemeral
// X25519 offer (optionally signed with a certificate), a response and a ready
// marker. It then encrypts each datagram with a ChaCha20 keystream derived
// from the shared secret.
//
// The building blocks live in sub-packages: crypto (key exchange, key
// derivation, stream cipher), identity (certificate bundles), protocol (wire
// framing), session (handshake coordinator and connection registry) and
// transport (the transport contract with in-memory and QUIC
// implementations). Peer wires the coordinator to the QUIC transport.
//
// There is no message authentication: a modified ciphertext decrypts to
// modified plaintext.
package hail
