package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dev.c0redev.shadownet/internal/crypto"
	"dev.c0redev.shadownet/internal/transport"
)

const testKeyHex = "1a1b1c1d1e1f20212223242526272829"

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "127.0.0.1:5555", cfg.Dispatch.Addr)
	require.Equal(t, ":5555", cfg.Dispatch.Listen)
	require.Equal(t, crypto.ModeCBC, cfg.Dispatch.Mode)
	require.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
	require.Equal(t, transport.NetworkTCP, cfg.Transport.Network)
	require.Equal(t, "NOTICE", cfg.Logging.Level)
	require.Empty(t, cfg.Metrics.Listen)
	require.Empty(t, cfg.Journal.Path)
}

func TestLoad(t *testing.T) {
	b := []byte(`
[Dispatch]
  Addr = "tcp://10.0.0.5:6000"
  Key = "` + testKeyHex + `"
  Mode = "Sealed"
  Timeout = "5s"
  IdleTimeout = "2m"

[Transport]
  Network = "quic"

[Logging]
  Level = "debug"

[Metrics]
  Listen = "127.0.0.1:9100"

[Journal]
  Path = "/tmp/shadownet.db"
`)
	cfg, err := Load(b)
	require.NoError(t, err)
	require.Equal(t, "tcp://10.0.0.5:6000", cfg.Dispatch.Addr)
	require.Equal(t, crypto.ModeSealed, cfg.Dispatch.Mode)
	require.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	require.Equal(t, 2*time.Minute, cfg.Dispatch.IdleTimeout)
	require.Equal(t, transport.NetworkQUIC, cfg.Transport.Network)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	require.Equal(t, "/tmp/shadownet.db", cfg.Journal.Path)

	key, err := cfg.ResolveKey()
	require.NoError(t, err)
	require.Equal(t, testKeyHex, key.Hex())

	c, err := cfg.Codec()
	require.NoError(t, err)
	require.Equal(t, crypto.ModeSealed, c.Mode())
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"mode":      "[Dispatch]\nMode = \"ecb\"\n",
		"network":   "[Transport]\nNetwork = \"zmq\"\n",
		"level":     "[Logging]\nLevel = \"LOUD\"\n",
		"key":       "[Dispatch]\nKey = \"abcd\"\n",
		"timeout":   "[Dispatch]\nTimeout = \"-1s\"\n",
		"cert pair": "[Transport]\nCertFile = \"a.pem\"\n",
		"envelope":  "[Dispatch]\nEnvelopeKeyFile = \"x\"\n",
		"unknown":   "[Dispatch]\nAdress = \"typo\"\n",
		"syntax":    "[Dispatch\n",
	}
	for name, body := range cases {
		_, err := Load([]byte(body))
		require.Error(t, err, name)
	}
	_, err := Load(nil)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAddr:      "agent.example:7000",
		EnvKey:       testKeyHex,
		EnvMode:      "sealed",
		EnvTransport: "tls",
		EnvData:      "/var/lib/shadownet",
		EnvListen:    "",
	}
	cfg := new(Config)
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, cfg.FixupAndValidate())
	require.Equal(t, "agent.example:7000", cfg.Dispatch.Addr)
	require.Equal(t, ":5555", cfg.Dispatch.Listen, "empty env value leaves the default")
	require.Equal(t, crypto.ModeSealed, cfg.Dispatch.Mode)
	require.Equal(t, transport.NetworkTLS, cfg.Transport.Network)
	require.Equal(t, "/var/lib/shadownet", cfg.Node.DataDir)
}

func TestLoadFileEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shadownet.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Dispatch]\nAddr = \"file:1\"\n"), 0o600))
	t.Setenv(EnvAddr, "env:2")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "env:2", cfg.Dispatch.Addr)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestLoadFileEmptyPath(t *testing.T) {
	t.Setenv(EnvKey, testKeyHex)
	cfg, err := LoadFile("")
	require.NoError(t, err)
	key, err := cfg.ResolveKey()
	require.NoError(t, err)
	require.Equal(t, testKeyHex, key.Hex())
}

func TestResolveKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.hex")
	require.NoError(t, os.WriteFile(keyFile, []byte("  "+testKeyHex+"\n"), 0o600))

	cfg := Default()
	cfg.Dispatch.KeyFile = keyFile
	key, err := cfg.ResolveKey()
	require.NoError(t, err)
	require.Equal(t, testKeyHex, key.Hex())

	require.NoError(t, os.WriteFile(keyFile, []byte("abcd"), 0o600))
	_, err = cfg.ResolveKey()
	require.ErrorIs(t, err, crypto.ErrInvalidKeyLength)

	_, err = Default().ResolveKey()
	require.ErrorIs(t, err, ErrNoKey)
}

func TestResolveKeyEnvelope(t *testing.T) {
	dir := t.TempDir()
	enc, seed, err := crypto.GenerateEnvelopeKeyPair()
	require.NoError(t, err)
	key, err := crypto.ParseKey(testKeyHex)
	require.NoError(t, err)
	envelope, err := crypto.WrapKey(enc, key)
	require.NoError(t, err)

	envFile := filepath.Join(dir, "key.envelope")
	seedFile := filepath.Join(dir, "agent.kem_private")
	require.NoError(t, WriteHexFile(envFile, envelope))
	require.NoError(t, WriteHexFile(seedFile, seed))

	cfg := Default()
	cfg.Dispatch.KeyFile = envFile
	cfg.Dispatch.EnvelopeKeyFile = seedFile
	require.NoError(t, cfg.FixupAndValidate())
	got, err := cfg.ResolveKey()
	require.NoError(t, err)
	require.Equal(t, key, got)

	_, otherSeed, err := crypto.GenerateEnvelopeKeyPair()
	require.NoError(t, err)
	require.NoError(t, WriteHexFile(seedFile, otherSeed))
	_, err = cfg.ResolveKey()
	require.Error(t, err)
}

func TestTransportOptions(t *testing.T) {
	cfg := Default()
	opts, err := cfg.ClientTransport()
	require.NoError(t, err)
	require.Nil(t, opts.TLS)

	cfg.Transport.Network = transport.NetworkQUIC
	require.True(t, cfg.NeedsGeneratedCert())
	opts, err = cfg.ServerTransport()
	require.NoError(t, err)
	require.NotNil(t, opts.TLS)
	require.Len(t, opts.TLS.Certificates, 1)

	opts, err = cfg.ClientTransport()
	require.NoError(t, err)
	require.NotNil(t, opts.TLS)
	require.True(t, opts.TLS.InsecureSkipVerify)

	cfg.Transport.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.ClientTransport()
	require.Error(t, err)
}
