package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Keystore lays out a CMS keystore on disk: certificates in Dir and keys in
// Dir/private. Identities are issued by CAs created with AddCA.
type Keystore struct {
	Dir string
	t   testing.TB
	cas map[string]issuer
}

type issuer struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

var (
	serialMu sync.Mutex
	serial   int64 = 1
)

func nextSerial() *big.Int {
	serialMu.Lock()
	defer serialMu.Unlock()
	serial++
	return big.NewInt(serial)
}

func NewKeystore(t testing.TB) *Keystore {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "private"), 0o700); err != nil {
		t.Fatalf("mkdir private: %v", err)
	}
	return &Keystore{Dir: dir, t: t, cas: make(map[string]issuer)}
}

// AddCA creates a self-signed CA certificate <name>.crt.
func (k *Keystore) AddCA(name string) {
	k.t.Helper()
	key := k.genKey()
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"ccbus test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		k.t.Fatalf("create ca %s: %v", name, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		k.t.Fatalf("parse ca %s: %v", name, err)
	}
	k.cas[name] = issuer{cert: cert, key: key}
	k.writeCert(name, der)
	k.writeKey(name, key)
}

// AddIdentity issues <name>.crt and private/<name>.key from the named CA.
func (k *Keystore) AddIdentity(name, ca string) {
	k.t.Helper()
	iss, ok := k.cas[ca]
	if !ok {
		k.t.Fatalf("unknown ca %s", ca)
	}
	key := k.genKey()
	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: name, Organization: []string{"ccbus test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, iss.cert, &key.PublicKey, iss.key)
	if err != nil {
		k.t.Fatalf("create cert %s: %v", name, err)
	}
	k.writeCert(name, der)
	k.writeKey(name, key)
}

func (k *Keystore) genKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		k.t.Fatalf("rsa key: %v", err)
	}
	return key
}

func (k *Keystore) writeCert(name string, der []byte) {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(filepath.Join(k.Dir, name+".crt"), data, 0o644); err != nil {
		k.t.Fatalf("write cert: %v", err)
	}
}

func (k *Keystore) writeKey(name string, key *rsa.PrivateKey) {
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(k.Dir, "private", name+".key"), data, 0o600); err != nil {
		k.t.Fatalf("write key: %v", err)
	}
}
