// Package crypto provides the cryptographic pipeline of a hail connection.
//
// Design:
//   - Ephemeral X25519 key exchange, optionally signed by a certificate key
//   - Key stretching via PBKDF2-HMAC-SHA256 into key, nonce and block counter
//   - ChaCha20 stream encryption (RFC 8439) with a 32-bit block counter that
//     is checked, never wrapped
//   - Per-direction keystreams derived from the same parameters
//
// There is no authentication tag: ciphertext tampering is not detected.
package crypto
