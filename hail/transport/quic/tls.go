package quic

import (
	"crypto/tls"

	"github.com/TheusHen/hail/hail/identity"
)

const (
	ALPN = "hail/1"
)

// newServerTLSConfig serves id, or a throwaway self-signed certificate when
// id is nil.
func newServerTLSConfig(id *identity.Identity) (*tls.Config, error) {
	if id == nil {
		var err error
		if id, err = identity.Generate("hail"); err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{id.TLSCertificate()},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

func newClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPN},
		// Peer identity is verified by the hail handshake (signed offer), not via PKI.
		InsecureSkipVerify: true,
	}
}
