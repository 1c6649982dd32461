/*
Package creds loads the PKCS#12 credential container both tunnel
endpoints authenticate with, and builds the tls.Config each side of the
control channel runs its handshake over.

The container is expected to hold the endpoint's certificate, its
private key and the CA chain used to verify the peer, which is how the
deployed tooling packages credentials for both daemons.
*/
package creds

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// load reads a PKCS#12 container and splits it into the endpoint's
// certificate/key pair and the pool of CA certificates it carries.
func load(path, password string) (cert tls.Certificate, cas *x509.CertPool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to read %s: %v", path, err)
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to decode %s: %v", path, err)
	}

	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}

	cert, err = tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("no usable certificate/key pair in %s: %v", path, err)
	}

	cas = x509.NewCertPool()
	for _, b := range blocks {
		if b.Type != "CERTIFICATE" {
			continue
		}
		if c, err := x509.ParseCertificate(b.Bytes); err == nil {
			cas.AddCert(c)
		}
	}
	return cert, cas, nil
}

// ClientTLSConfig builds the client side of the mutually-authenticated
// control channel from the container at path. Renegotiation is refused:
// a post-handshake renegotiation request from the peer is a fatal
// session error.
func ClientTLSConfig(path, password string) (*tls.Config, error) {
	cert, cas, err := load(path, password)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:  []tls.Certificate{cert},
		RootCAs:       cas,
		Renegotiation: tls.RenegotiateNever,
	}, nil
}

// ServerTLSConfig builds the server side of the mutually-authenticated
// control channel: client certificates are required and verified against
// the CA chain found in the container.
func ServerTLSConfig(path, password string) (*tls.Config, error) {
	cert, cas, err := load(path, password)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    cas,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}
