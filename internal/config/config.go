// Package config: TOML configuration for the shadownet client and agent.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dev.c0redev.shadownet/internal/crypto"
	"dev.c0redev.shadownet/internal/log"
	"dev.c0redev.shadownet/internal/transport"
)

const (
	defaultAddr     = "127.0.0.1:" + transport.DefaultPort
	defaultListen   = ":" + transport.DefaultPort
	defaultTimeout  = 30 * time.Second
	defaultLogLevel = "NOTICE"
)

// Environment overrides, applied after the file.
const (
	EnvAddr      = "SHADOWNET_ADDR"
	EnvListen    = "SHADOWNET_LISTEN"
	EnvKey       = "SHADOWNET_KEY"
	EnvMode      = "SHADOWNET_MODE"
	EnvTransport = "SHADOWNET_TRANSPORT"
	EnvData      = "SHADOWNET_DATA"
)

// ErrNoKey no key, key file or env key configured.
var ErrNoKey = errors.New("config: no shared key configured")

// Dispatch is the request/reply channel configuration.
type Dispatch struct {
	// Addr is the agent address the client dials.
	Addr string
	// Listen is the agent bind address.
	Listen string
	// Key is the shared 16-byte key in hex.
	Key string
	// KeyFile holds the hex key, or a hex envelope if EnvelopeKeyFile is set.
	KeyFile string
	// EnvelopeKeyFile holds the hex ML-KEM private seed that unwraps KeyFile.
	EnvelopeKeyFile string
	// Mode is "cbc" (default) or "sealed".
	Mode string
	// Timeout bounds each client round trip.
	Timeout time.Duration
	// IdleTimeout closes idle agent connections; 0 = never.
	IdleTimeout time.Duration
}

func (d *Dispatch) validate() error {
	if d.Addr == "" {
		d.Addr = defaultAddr
	}
	if d.Listen == "" {
		d.Listen = defaultListen
	}
	d.Mode = strings.ToLower(d.Mode)
	switch d.Mode {
	case "":
		d.Mode = crypto.ModeCBC
	case crypto.ModeCBC, crypto.ModeSealed:
	default:
		return fmt.Errorf("config: Dispatch: Mode '%v' is invalid", d.Mode)
	}
	if d.Timeout < 0 || d.IdleTimeout < 0 {
		return errors.New("config: Dispatch: timeouts must not be negative")
	}
	if d.Timeout == 0 {
		d.Timeout = defaultTimeout
	}
	if d.Key != "" {
		if _, err := crypto.ParseKey(d.Key); err != nil {
			return fmt.Errorf("config: Dispatch: Key: %w", err)
		}
	}
	if d.EnvelopeKeyFile != "" && d.KeyFile == "" {
		return errors.New("config: Dispatch: EnvelopeKeyFile needs KeyFile")
	}
	return nil
}

// Transport selects tcp, tls or quic.
type Transport struct {
	Network string
	// CertFile/KeyFile agent certificate; empty = generated self-signed.
	CertFile string
	KeyFile  string
	// CAFile pins agent certificates on the client; empty = no verification.
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

func (t *Transport) validate() error {
	t.Network = strings.ToLower(t.Network)
	if t.Network == "" {
		t.Network = transport.NetworkTCP
	}
	if !transport.ValidNetwork(t.Network) {
		return fmt.Errorf("config: Transport: Network '%v' is invalid", t.Network)
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("config: Transport: CertFile and KeyFile go together")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool
	// File specifies the log file, if omitted stderr will be used.
	File string
	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if _, err := log.LevelFromString(l.Level); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = strings.ToUpper(l.Level)
	return nil
}

// Metrics: Listen is the /metrics HTTP address; empty disables it.
type Metrics struct {
	Listen string
}

// Journal: Path of the sqlite session journal; empty disables it.
// The agent prunes entries older than Retention; 0 keeps everything.
type Journal struct {
	Path      string
	Retention time.Duration
}

// Node: DataDir holds node_id.
type Node struct {
	DataDir string
}

// Config is the top level configuration.
type Config struct {
	Dispatch  *Dispatch
	Transport *Transport
	Logging   *Logging
	Metrics   *Metrics
	Journal   *Journal
	Node      *Node
}

// Default config with every section filled in.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// FixupAndValidate applies defaults to missing sections and entries and validates them.
// Safe to call again after overrides.
func (c *Config) FixupAndValidate() error {
	if c.Dispatch == nil {
		c.Dispatch = new(Dispatch)
	}
	if c.Transport == nil {
		c.Transport = new(Transport)
	}
	if c.Logging == nil {
		c.Logging = new(Logging)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
	if c.Journal == nil {
		c.Journal = new(Journal)
	}
	if c.Node == nil {
		c.Node = new(Node)
	}
	if err := c.Dispatch.validate(); err != nil {
		return err
	}
	if err := c.Transport.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// ApplyEnv overrides entries from SHADOWNET_* variables.
func (c *Config) ApplyEnv() {
	c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if c.Dispatch == nil {
		c.Dispatch = new(Dispatch)
	}
	if c.Transport == nil {
		c.Transport = new(Transport)
	}
	if c.Node == nil {
		c.Node = new(Node)
	}
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	set(EnvAddr, &c.Dispatch.Addr)
	set(EnvListen, &c.Dispatch.Listen)
	set(EnvKey, &c.Dispatch.Key)
	set(EnvMode, &c.Dispatch.Mode)
	set(EnvTransport, &c.Transport.Network)
	set(EnvData, &c.Node.DataDir)
}

// ResolveKey returns the shared key: Key, else KeyFile (unwrapped with EnvelopeKeyFile if set).
func (c *Config) ResolveKey() (crypto.Key, error) {
	d := c.Dispatch
	if d == nil {
		return nil, ErrNoKey
	}
	if d.Key != "" {
		return crypto.ParseKey(d.Key)
	}
	if d.KeyFile == "" {
		return nil, ErrNoKey
	}
	b, err := readHexFile(d.KeyFile)
	if err != nil {
		return nil, err
	}
	if d.EnvelopeKeyFile == "" {
		if len(b) != crypto.KeySize {
			return nil, fmt.Errorf("config: %s: %w", d.KeyFile, crypto.ErrInvalidKeyLength)
		}
		return crypto.Key(b), nil
	}
	seed, err := readHexFile(d.EnvelopeKeyFile)
	if err != nil {
		return nil, err
	}
	key, err := crypto.UnwrapKey(seed, b)
	if err != nil {
		return nil, fmt.Errorf("config: unwrap %s: %w", d.KeyFile, err)
	}
	return key, nil
}

// Codec builds the frame codec for the configured mode and key.
func (c *Config) Codec() (crypto.Codec, error) {
	key, err := c.ResolveKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewCodec(c.Dispatch.Mode, key)
}

// ClientTransport dial options.
func (c *Config) ClientTransport() (transport.Options, error) {
	t := c.Transport
	opts := transport.Options{Network: t.Network}
	if t.Network == transport.NetworkTCP {
		return opts, nil
	}
	tlsConfig, err := transport.ClientTLSFromCA(t.CAFile, t.ServerName, t.InsecureSkipVerify)
	if err != nil {
		return opts, err
	}
	opts.TLS = tlsConfig
	return opts, nil
}

// ServerTransport listen options; tls and quic load or generate a certificate.
func (c *Config) ServerTransport() (transport.Options, error) {
	t := c.Transport
	opts := transport.Options{Network: t.Network}
	if t.Network == transport.NetworkTCP {
		return opts, nil
	}
	cert, err := transport.LoadOrGenerateCert(t.CertFile, t.KeyFile)
	if err != nil {
		return opts, fmt.Errorf("config: certificate: %w", err)
	}
	opts.TLS = transport.ServerTLSWithCert(cert)
	return opts, nil
}

// NeedsGeneratedCert true when the agent will use a throwaway self-signed cert.
func (c *Config) NeedsGeneratedCert() bool {
	return c.Transport.Network != transport.NetworkTCP && c.Transport.CertFile == ""
}

func readHexFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := strings.Join(strings.Fields(string(b)), "")
	s = strings.TrimPrefix(s, "0x")
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return out, nil
}

// WriteHexFile writes b as hex with mode 0600.
func WriteHexFile(path string, b []byte) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(b)+"\n"), 0o600)
}

// Load parses the provided buffer b as a config file body, applies the
// environment and returns the validated Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	cfg.ApplyEnv()
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config. An empty path yields the defaults plus environment.
func LoadFile(f string) (*Config, error) {
	if f == "" {
		cfg := new(Config)
		cfg.ApplyEnv()
		if err := cfg.FixupAndValidate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
