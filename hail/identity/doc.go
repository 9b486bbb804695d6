// Package identity holds the certificate material of an accepting endpoint.
//
// An Identity is loaded once at startup, either from a base64 bundle
// (PEM certificate followed by PEM private key) or generated on the fly, and
// signs the ephemeral key offered during a signed handshake. Ed25519 and
// ECDSA keys are supported.
package identity
