package crypto

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/proto"
)

// Config names the identities used for sealing and opening envelopes.
// Names resolve against the keystore directory.
type Config struct {
	Keystore   string
	Sign       string
	Encrypt    string
	VerifyCA   string
	Decrypt    string
	TimeWindow time.Duration
	BlobHash   string
}

func (c Config) any() bool {
	return c.Sign != "" || c.Encrypt != "" || c.VerifyCA != "" || c.Decrypt != ""
}

// Context seals outgoing messages and opens incoming envelopes according to
// Config. It is safe for concurrent use.
type Context struct {
	cfg      Config
	cms      *CMS
	log      zerolog.Logger
	now      func() time.Time
	hostname string
}

type Option func(*Context)

func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

func WithHostname(name string) Option {
	return func(c *Context) { c.hostname = name }
}

// Opened is the result of a successful Open.
type Opened struct {
	Msg    proto.Message
	Signer *SignerInfo
	Blob   []byte
}

func NewContext(cfg Config, log zerolog.Logger, opts ...Option) (*Context, error) {
	if cfg.Encrypt != "" && cfg.Sign == "" {
		return nil, fmt.Errorf("%w: cms-encrypt without cms-sign", ErrMisconfigured)
	}
	if cfg.Decrypt != "" && cfg.VerifyCA == "" {
		return nil, fmt.Errorf("%w: cms-decrypt without cms-verify-ca", ErrMisconfigured)
	}
	if cfg.any() && cfg.Keystore == "" {
		return nil, fmt.Errorf("%w: cms-keystore not set", ErrMisconfigured)
	}
	if cfg.TimeWindow < 0 {
		return nil, fmt.Errorf("%w: negative cms-time-window", ErrMisconfigured)
	}
	if cfg.BlobHash == "" {
		cfg.BlobHash = HashSHA1
	}
	if !SupportedBlobHash(cfg.BlobHash) {
		return nil, fmt.Errorf("%w: unsupported cms-blob-hash %q", ErrMisconfigured, cfg.BlobHash)
	}
	c := &Context{
		cfg: cfg,
		cms: NewCMS(NewKeyStore(cfg.Keystore)),
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hostname == "" {
		c.hostname, _ = os.Hostname()
	}
	return c, nil
}

func (c *Context) Config() Config {
	return c.cfg
}

func (c *Context) CMS() *CMS {
	return c.cms
}

func (c *Context) Hostname() string {
	return c.hostname
}

func (c *Context) verifying() bool {
	return c.cfg.Decrypt != "" || c.cfg.VerifyCA != ""
}

// Seal stamps msg, serializes it and wraps it according to the configured
// identities. A non-nil blob travels as the last frame; when signing it is
// bound to the payload through blob_hash.
func (c *Context) Seal(msg proto.Message, blob []byte) (*proto.Envelope, error) {
	proto.Stamp(msg, c.hostname, c.now())
	h := msg.Head()
	if blob != nil && c.cfg.Sign != "" {
		sum, err := BlobHash(c.cfg.BlobHash, blob)
		if err != nil {
			return nil, err
		}
		h.BlobHash = sum
	}
	js, err := proto.Encode(msg)
	if err != nil {
		return nil, err
	}
	payload := js
	var sig []byte
	switch {
	case c.cfg.Encrypt != "" && c.cfg.Sign != "":
		c.log.Debug().Str("req", h.Req).Msg("seal: encrypt")
		payload = []byte(proto.MarkerEncrypted)
		sig, err = c.cms.SignAndEncrypt(js, c.cfg.Sign, c.cfg.Encrypt)
	case c.cfg.Encrypt != "":
		return nil, fmt.Errorf("%w: cms-encrypt without cms-sign", ErrMisconfigured)
	case c.cfg.Sign != "":
		c.log.Debug().Str("req", h.Req).Msg("seal: sign")
		sig, err = c.cms.Sign(js, c.cfg.Sign, true)
	default:
		c.log.Debug().Str("req", h.Req).Msg("seal: no crypto")
	}
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", h.Req, err)
	}
	return proto.Build(h.Req, payload, sig, blob, nil)
}

// Open unwraps env and returns the typed message. Every rejection is logged
// and returned as an error wrapping one of the package sentinels.
func (c *Context) Open(env *proto.Envelope) (*Opened, error) {
	dest := env.Dest()
	var (
		js     []byte
		signer *SignerInfo
		err    error
	)
	switch {
	case c.cfg.Decrypt != "":
		if !env.Encrypted() {
			return nil, c.reject(dest, ErrNotEncrypted)
		}
		js, signer, err = c.cms.DecryptAndVerify(env.Signature(), c.cfg.Decrypt, c.cfg.VerifyCA)
		if err != nil {
			return nil, c.reject(dest, err)
		}
	case env.Encrypted():
		return nil, c.reject(dest, ErrCannotDecrypt)
	case c.cfg.VerifyCA != "":
		if len(env.Signature()) == 0 {
			return nil, c.reject(dest, ErrUnsigned)
		}
		js, signer, err = c.cms.Verify(env.Payload(), env.Signature(), c.cfg.VerifyCA, true)
		if err != nil {
			return nil, c.reject(dest, err)
		}
	default:
		js = env.Payload()
	}

	msg, err := proto.Decode(js)
	if err != nil {
		return nil, c.reject(dest, fmt.Errorf("%w: %v", ErrBadPayload, err))
	}
	h := msg.Head()
	if h.Req != dest {
		return nil, c.reject(dest, fmt.Errorf("%w: req %q", ErrHijacked, h.Req))
	}
	if c.cfg.TimeWindow > 0 {
		age := proto.UnixSeconds(c.now()) - h.Time
		if math.IsNaN(age) || math.Abs(age) > c.cfg.TimeWindow.Seconds() {
			return nil, c.reject(dest, fmt.Errorf("%w: age %.0fs", ErrReplay, age))
		}
	}
	switch {
	case env.HasBlob() && c.verifying():
		if h.BlobHash == "" {
			return nil, c.reject(dest, ErrBlobHashMissing)
		}
		if err := CheckBlobHash(h.BlobHash, env.Blob()); err != nil {
			return nil, c.reject(dest, err)
		}
	case env.HasBlob() && h.BlobHash != "":
		c.log.Debug().Str("dest", dest).Msg("open: ignoring blob_hash, verification inactive")
	case !env.HasBlob() && h.BlobHash != "":
		return nil, c.reject(dest, ErrBlobMissing)
	}
	return &Opened{Msg: msg, Signer: signer, Blob: env.Blob()}, nil
}

func (c *Context) reject(dest string, err error) error {
	c.log.Warn().Err(err).Str("dest", dest).Msg("rejecting message")
	return err
}
