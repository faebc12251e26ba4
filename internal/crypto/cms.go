package crypto

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/smallstep/pkcs7"
)

func init() {
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES128CBC
}

// SignerInfo describes the certificate that produced a verified signature.
type SignerInfo struct {
	Subject      string
	CommonName   string
	Organization []string
	Serial       string
	NotBefore    time.Time
	NotAfter     time.Time
}

type role byte

const (
	roleSign    role = 'S'
	roleVerify  role = 'V'
	roleEncrypt role = 'E'
	roleDecrypt role = 'D'
)

type cacheKey struct {
	role role
	name string
}

type keyPair struct {
	cert *x509.Certificate
	key  crypto.PrivateKey
}

// CMS performs PKCS#7 operations on raw byte strings. All outputs are
// DER encoded. Per-identity material is loaded once and cached.
type CMS struct {
	ks    *KeyStore
	mu    sync.Mutex
	cache map[cacheKey]any
}

func NewCMS(ks *KeyStore) *CMS {
	return &CMS{ks: ks, cache: make(map[cacheKey]any)}
}

// Sign signs data as signer. A detached signature does not embed data.
func (c *CMS) Sign(data []byte, signer string, detached bool) ([]byte, error) {
	kp, err := c.signCtx(signer)
	if err != nil {
		return nil, err
	}
	sd, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", signer, err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(kp.cert, kp.key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("sign %s: %w", signer, err)
	}
	if detached {
		sd.Detach()
	}
	return sd.Finish()
}

// Verify checks sig against the CA list caNames (comma separated, all
// trusted). For a detached signature data is the signed content; otherwise
// data must be nil and the embedded content is returned.
func (c *CMS) Verify(data, sig []byte, caNames string, detached bool) ([]byte, *SignerInfo, error) {
	pool, err := c.verifyCtx(caNames)
	if err != nil {
		return nil, nil, err
	}
	if !detached && data != nil {
		return nil, nil, fmt.Errorf("%w: content given for embedded signature", ErrVerify)
	}
	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVerify, err)
	}
	if detached {
		p7.Content = data
	}
	if err := p7.VerifyWithChain(pool); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVerify, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, nil, fmt.Errorf("%w: expected exactly one signer", ErrVerify)
	}
	return p7.Content, signerInfo(signer), nil
}

func (c *CMS) Encrypt(plain []byte, recipient string) ([]byte, error) {
	certs, err := c.encryptCtx(recipient)
	if err != nil {
		return nil, err
	}
	out, err := pkcs7.Encrypt(plain, certs)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", recipient, err)
	}
	return out, nil
}

func (c *CMS) Decrypt(ciphertext []byte, recipient string) ([]byte, error) {
	kp, err := c.decryptCtx(recipient)
	if err != nil {
		return nil, err
	}
	p7, err := pkcs7.Parse(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := p7.Decrypt(kp.cert, kp.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// SignAndEncrypt embeds data in a signed message and encrypts the result
// for recipient.
func (c *CMS) SignAndEncrypt(data []byte, signer, recipient string) ([]byte, error) {
	signed, err := c.Sign(data, signer, false)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(signed, recipient)
}

func (c *CMS) DecryptAndVerify(ciphertext []byte, recipient, caNames string) ([]byte, *SignerInfo, error) {
	body, err := c.Decrypt(ciphertext, recipient)
	if err != nil {
		return nil, nil, err
	}
	return c.Verify(nil, body, caNames, false)
}

func (c *CMS) cached(k cacheKey, load func() (any, error)) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache[k]; ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	c.cache[k] = v
	return v, nil
}

func (c *CMS) loadPair(name string) (any, error) {
	key, err := c.ks.LoadKey(name)
	if err != nil {
		return nil, err
	}
	cert, err := c.ks.LoadCert(name)
	if err != nil {
		return nil, err
	}
	return &keyPair{cert: cert, key: key}, nil
}

func (c *CMS) signCtx(name string) (*keyPair, error) {
	v, err := c.cached(cacheKey{roleSign, name}, func() (any, error) { return c.loadPair(name) })
	if err != nil {
		return nil, err
	}
	return v.(*keyPair), nil
}

func (c *CMS) decryptCtx(name string) (*keyPair, error) {
	v, err := c.cached(cacheKey{roleDecrypt, name}, func() (any, error) { return c.loadPair(name) })
	if err != nil {
		return nil, err
	}
	return v.(*keyPair), nil
}

func (c *CMS) verifyCtx(caNames string) (*x509.CertPool, error) {
	v, err := c.cached(cacheKey{roleVerify, caNames}, func() (any, error) {
		names := splitNames(caNames)
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrMissingKeys, errNoNames)
		}
		pool := x509.NewCertPool()
		for _, n := range names {
			cert, err := c.ks.LoadCert(n)
			if err != nil {
				return nil, err
			}
			pool.AddCert(cert)
		}
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*x509.CertPool), nil
}

func (c *CMS) encryptCtx(name string) ([]*x509.Certificate, error) {
	v, err := c.cached(cacheKey{roleEncrypt, name}, func() (any, error) {
		cert, err := c.ks.LoadCert(name)
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{cert}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*x509.Certificate), nil
}

func signerInfo(cert *x509.Certificate) *SignerInfo {
	return &SignerInfo{
		Subject:      cert.Subject.String(),
		CommonName:   cert.Subject.CommonName,
		Organization: cert.Subject.Organization,
		Serial:       cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
}
