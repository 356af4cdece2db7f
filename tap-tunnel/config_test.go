package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
local_prefix: /alice/tap
remote_prefix: /bob/tap
tap: tap0
consumer:
  interest_lifetime: 2s
  max_outstanding: 16
producer:
  long_poll: 500ms
face:
  type: nats
  remote: nats://127.0.0.1:4222
  nats_creds: creds/user.creds
log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tap-tunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tap0", cfg.Tap)
	assert.Equal(t, 2*time.Second, cfg.Consumer.InterestLifetime)
	assert.Equal(t, 16, cfg.Consumer.MaxOutstanding)
	// Unset fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Consumer.PeerInactiveTime)
	assert.Equal(t, 500*time.Millisecond, cfg.Producer.LongPoll)
	assert.Equal(t, 8800, cfg.Producer.MaxContentLength)
	assert.Equal(t, 8, cfg.Queue.SmallThreshold)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "creds", "user.creds"), cfg.Face.NATSCreds)

	opts, err := cfg.consumerOptions()
	require.NoError(t, err)
	assert.Equal(t, "/bob/tap", opts.RemotePrefix.String())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = LoadConfig(writeConfig(t, "consumer: [not, a, map]"))
	assert.Error(t, err)
	_, err = LoadConfig(writeConfig(t, "consumer:\n  interest_lifetime: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.LocalPrefix = "/alice"
		cfg.RemotePrefix = "/bob"
		cfg.Face.Remote = "https://bob.example/"
		cfg.Face.Listen = ":8443"
		return cfg
	}
	require.NoError(t, valid().Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"no local prefix", func(c *Config) { c.LocalPrefix = "" }},
		{"no remote prefix", func(c *Config) { c.RemotePrefix = "/" }},
		{"overlapping prefixes", func(c *Config) { c.RemotePrefix = "/alice/x" }},
		{"bad escape", func(c *Config) { c.LocalPrefix = "/a%zz" }},
		{"zero window", func(c *Config) { c.Consumer.MaxOutstanding = 0 }},
		{"zero lifetime", func(c *Config) { c.Consumer.InterestLifetime = 0 }},
		{"zero content", func(c *Config) { c.Producer.MaxContentLength = 0 }},
		{"zero threshold", func(c *Config) { c.Queue.SmallThreshold = 0 }},
		{"unknown face", func(c *Config) { c.Face.Type = "carrier-pigeon" }},
		{"missing listen", func(c *Config) { c.Face.Listen = "" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	var f runFlags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"--face", "kcp", "--remote", "bob:4000", "--log-level", "trace"}))

	cfg := DefaultConfig()
	cfg.Tap = "tap7"
	f.apply(fs, cfg)
	assert.Equal(t, "kcp", cfg.Face.Type)
	assert.Equal(t, "bob:4000", cfg.Face.Remote)
	assert.Equal(t, "trace", cfg.Log.Level)
	// Flags not given leave the file's value alone.
	assert.Equal(t, "tap7", cfg.Tap)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "tap-tunnel dev\n", out.String())
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger(LogConfig{Level: "trace", Format: "json"})
	require.NoError(t, err)
	assert.True(t, log.IsLevelEnabled(logrus.TraceLevel))
	_, err = newLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
