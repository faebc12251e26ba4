package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	alpn                 = "cc-quic"
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
)

// TLSOptions selects the certificate material for a socket. Dev uses a
// deterministic self-signed certificate shared by every ccbus binary.
type TLSOptions struct {
	Cert     string
	Key      string
	CA       string
	Dev      bool
	Insecure bool
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("ccbus-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// DevCAPEM returns the development certificate in PEM form.
func DevCAPEM() ([]byte, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func ServerTLSConfig(opts TLSOptions) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch {
	case opts.Cert != "" && opts.Key != "":
		cert, err = tls.LoadX509KeyPair(opts.Cert, opts.Key)
	case opts.Dev:
		cert, _, err = devTLSCert()
	default:
		return nil, errors.New("tls: cert and key required unless dev mode is on")
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func ClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if opts.Insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}, nil
	}
	pool := x509.NewCertPool()
	switch {
	case opts.CA != "":
		data, err := os.ReadFile(opts.CA)
		if err != nil {
			return nil, fmt.Errorf("tls ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("tls ca %s: no certificates", opts.CA)
		}
	case opts.Dev:
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	default:
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, err
		}
		pool = sys
	}
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpn},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}
