package crypto

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	KeyExt  = ".key"
	CertExt = ".crt"
)

// KeyStore reads PEM keys from <dir>/private/<name>.key and certificates
// from <dir>/<name>.crt.
type KeyStore struct {
	privDir string
	certDir string
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{privDir: filepath.Join(dir, "private"), certDir: dir}
}

func (ks *KeyStore) Dir() string {
	return ks.certDir
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid identity name %q", ErrMissingKeys, name)
	}
	return nil
}

func (ks *KeyStore) LoadKey(name string) (crypto.PrivateKey, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(ks.privDir, name+KeyExt))
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", ErrMissingKeys, name, err)
	}
	return parsePrivateKey(data)
}

func (ks *KeyStore) LoadCert(name string) (*x509.Certificate, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(ks.certDir, name+CertExt))
	if err != nil {
		return nil, fmt.Errorf("%w: cert %s: %v", ErrMissingKeys, name, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: cert %s: no PEM certificate", ErrMissingKeys, name)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: cert %s: %v", ErrMissingKeys, name, err)
	}
	return cert, nil
}

func parsePrivateKey(data []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM key block", ErrMissingKeys)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	return nil, fmt.Errorf("%w: unsupported key type %q", ErrMissingKeys, block.Type)
}

// splitNames turns a comma-separated identity list into names.
func splitNames(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var errNoNames = errors.New("empty identity list")
