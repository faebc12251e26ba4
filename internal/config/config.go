package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ccbus/internal/crypto"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	RoleLocal    = "local"
	RoleRemote   = "remote"
	RoleInsecure = "insecure"

	defaultHWM         = 1000
	defaultStatsPeriod = 30 * time.Second
)

// Config is the process configuration of a CC server or client.
type Config struct {
	Socket          string             `yaml:"cc-socket"`
	Role            string             `yaml:"cc-role"`
	Hostname        string             `yaml:"hostname"`
	OutboundHWM     int                `yaml:"outbound-hwm"`
	StatsPeriod     time.Duration      `yaml:"stats-period"`
	MetricsSnapshot string             `yaml:"metrics-snapshot"`
	MaxConnsPerIP   int                `yaml:"max-conns-per-ip"`
	MaxMsgsPerIP    int                `yaml:"max-msgs-per-ip"`
	TLS             TLSConfig          `yaml:"tls"`
	Crypto          CryptoConfig       `yaml:"crypto"`
	Routes          map[string]string  `yaml:"routes"`
	Handlers        map[string]Section `yaml:"handlers"`
}

type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	CA       string `yaml:"ca"`
	Dev      bool   `yaml:"dev"`
	Insecure bool   `yaml:"insecure"`
}

type CryptoConfig struct {
	Keystore   string `yaml:"cms-keystore"`
	Sign       string `yaml:"cms-sign"`
	Encrypt    string `yaml:"cms-encrypt"`
	VerifyCA   string `yaml:"cms-verify-ca"`
	Decrypt    string `yaml:"cms-decrypt"`
	TimeWindow int    `yaml:"cms-time-window"`
	BlobHash   string `yaml:"cms-blob-hash"`
}

// CryptoContext converts the cms-* keys for crypto.NewContext. A relative
// keystore resolves against base.
func (c CryptoConfig) CryptoContext(base string) crypto.Config {
	ks := c.Keystore
	if ks != "" && base != "" && !filepath.IsAbs(ks) {
		ks = filepath.Join(base, ks)
	}
	return crypto.Config{
		Keystore:   ks,
		Sign:       c.Sign,
		Encrypt:    c.Encrypt,
		VerifyCA:   c.VerifyCA,
		Decrypt:    c.Decrypt,
		TimeWindow: time.Duration(c.TimeWindow) * time.Second,
		BlobHash:   c.BlobHash,
	}
}

// Route is one prefix with its handler names in configured order.
type Route struct {
	Prefix   string
	Handlers []string
}

// RouteList returns routes sorted by prefix.
func (c *Config) RouteList() []Route {
	prefixes := make([]string, 0, len(c.Routes))
	for p := range c.Routes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	out := make([]Route, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, Route{Prefix: p, Handlers: SplitList(c.Routes[p])})
	}
	return out
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and the CC_SOCKET override, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if s := strings.TrimSpace(os.Getenv("CC_SOCKET")); s != "" {
		cfg.Socket = s
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = RoleRemote
	}
	if c.OutboundHWM == 0 {
		c.OutboundHWM = defaultHWM
	}
	if c.StatsPeriod == 0 {
		c.StatsPeriod = defaultStatsPeriod
	}
	if c.Crypto.BlobHash == "" {
		c.Crypto.BlobHash = crypto.HashSHA1
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
}

func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Socket) == "" {
		return errors.New("cc-socket is required")
	}
	if _, _, err := net.SplitHostPort(c.Socket); err != nil {
		return fmt.Errorf("cc-socket %q must be host:port: %w", c.Socket, err)
	}
	switch c.Role {
	case RoleLocal, RoleRemote, RoleInsecure:
	default:
		return fmt.Errorf("unknown cc-role %q", c.Role)
	}
	if c.OutboundHWM < 0 {
		return errors.New("outbound-hwm must be non-negative")
	}
	if c.StatsPeriod < 0 {
		return errors.New("stats-period must be non-negative")
	}
	if c.Crypto.TimeWindow < 0 {
		return errors.New("cms-time-window must be non-negative")
	}
	if c.Crypto.Encrypt != "" && c.Crypto.Sign == "" {
		return errors.New("cms-encrypt requires cms-sign")
	}
	if c.Crypto.Decrypt != "" && c.Crypto.VerifyCA == "" {
		return errors.New("cms-decrypt requires cms-verify-ca")
	}
	if !crypto.SupportedBlobHash(c.Crypto.BlobHash) {
		return fmt.Errorf("unsupported cms-blob-hash %q", c.Crypto.BlobHash)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls cert and key must be set together")
	}
	for name, sec := range c.Handlers {
		if sec.Type() == "" {
			return fmt.Errorf("handler %s: missing handler type", name)
		}
	}
	for _, r := range c.RouteList() {
		if len(r.Handlers) == 0 {
			return fmt.Errorf("route %q: no handlers", r.Prefix)
		}
		for _, h := range r.Handlers {
			if _, ok := c.Handlers[h]; !ok {
				return fmt.Errorf("route %q: undefined handler %s", r.Prefix, h)
			}
		}
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
