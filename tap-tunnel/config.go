package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tap-tunnel/tap-tunnel/common/ndn"
)

// Face types.
const (
	faceHTTP = "http"
	faceWS   = "ws"
	faceKCP  = "kcp"
	faceNATS = "nats"
)

// Config is the YAML configuration of one tunnel endpoint.
type Config struct {
	// LocalPrefix is the name this node's producer answers under; the peer's
	// RemotePrefix.
	LocalPrefix  string `yaml:"local_prefix"`
	RemotePrefix string `yaml:"remote_prefix"`
	// Tap is the TAP interface name; empty lets the kernel choose.
	Tap string `yaml:"tap"`

	Consumer ConsumerConfig `yaml:"consumer"`
	Producer ProducerConfig `yaml:"producer"`
	Queue    QueueConfig    `yaml:"queue"`
	Face     FaceConfig     `yaml:"face"`
	Log      LogConfig      `yaml:"log"`

	// MetricsAddr, if set, serves Prometheus metrics on /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

type ConsumerConfig struct {
	InterestLifetime time.Duration `yaml:"interest_lifetime"`
	MaxOutstanding   int           `yaml:"max_outstanding"`
	PeerInactiveTime time.Duration `yaml:"peer_inactive_time"`
}

type ProducerConfig struct {
	FreshnessPeriod  time.Duration `yaml:"freshness_period"`
	MaxContentLength int           `yaml:"max_content_length"`
	LongPoll         time.Duration `yaml:"long_poll"`
}

type QueueConfig struct {
	// Below this many waiting frames the queue counts as small and frames
	// may ride on Interests.
	SmallThreshold int `yaml:"small_threshold"`
}

// FaceConfig selects and configures the carrier. Remote is where the consumer
// sends Interests; Listen is where the producer accepts them.
type FaceConfig struct {
	Type   string `yaml:"type"`
	Remote string `yaml:"remote"`
	Listen string `yaml:"listen"`

	// http and ws
	Path          string   `yaml:"path,omitempty"`
	Front         string   `yaml:"front,omitempty"`
	UTLS          string   `yaml:"utls,omitempty"`
	ACMEHostnames []string `yaml:"acme_hostnames,omitempty"`
	ACMEEmail     string   `yaml:"acme_email,omitempty"`
	ACMECacheDir  string   `yaml:"acme_cache_dir,omitempty"`

	// kcp
	KCPKey string `yaml:"kcp_key,omitempty"`

	// nats
	NATSToken string `yaml:"nats_token,omitempty"`
	NATSCreds string `yaml:"nats_creds,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with every tunable set.
func DefaultConfig() *Config {
	return &Config{
		Consumer: ConsumerConfig{
			InterestLifetime: 4 * time.Second,
			MaxOutstanding:   8,
			PeerInactiveTime: 10 * time.Second,
		},
		Producer: ProducerConfig{
			FreshnessPeriod:  time.Millisecond,
			MaxContentLength: 8800,
			LongPoll:         2 * time.Second,
		},
		Queue: QueueConfig{SmallThreshold: 8},
		Face:  FaceConfig{Type: faceHTTP, Path: "/"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file over the defaults. Relative paths in the file
// are taken relative to its directory.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	dir := filepath.Dir(path)
	if cfg.Face.NATSCreds, err = expandPath(cfg.Face.NATSCreds, dir); err != nil {
		return nil, err
	}
	if cfg.Face.ACMECacheDir, err = expandPath(cfg.Face.ACMECacheDir, dir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandPath expands environment variables and a leading ~, and makes a
// relative path relative to dir.
func expandPath(path, dir string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded := os.ExpandEnv(path)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "home directory")
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded[1:], "/"))
	}
	if !filepath.IsAbs(expanded) && dir != "" {
		expanded = filepath.Join(dir, expanded)
	}
	return filepath.Clean(expanded), nil
}

// Validate checks the fields no default can fill in.
func (c *Config) Validate() error {
	local, err := ndn.ParseName(c.LocalPrefix)
	if err != nil {
		return errors.Wrap(err, "local_prefix")
	}
	remote, err := ndn.ParseName(c.RemotePrefix)
	if err != nil {
		return errors.Wrap(err, "remote_prefix")
	}
	if len(local) == 0 {
		return errors.New("local_prefix is required")
	}
	if len(remote) == 0 {
		return errors.New("remote_prefix is required")
	}
	if local.IsPrefixOf(remote) || remote.IsPrefixOf(local) {
		return errors.Errorf("local_prefix %s and remote_prefix %s overlap", local, remote)
	}
	if _, err := c.consumerOptions(); err != nil {
		return err
	}
	if _, err := c.producerOptions(); err != nil {
		return err
	}
	if c.Queue.SmallThreshold < 1 {
		return errors.Errorf("queue.small_threshold %d is less than 1", c.Queue.SmallThreshold)
	}
	switch c.Face.Type {
	case faceHTTP, faceWS, faceKCP:
		if c.Face.Remote == "" || c.Face.Listen == "" {
			return errors.Errorf("face type %s needs remote and listen", c.Face.Type)
		}
	case faceNATS:
		// The NATS server is both; remote defaults to nats.DefaultURL.
	default:
		return errors.Errorf("unknown face type %q", c.Face.Type)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) consumerOptions() (ConsumerOptions, error) {
	remote, err := ndn.ParseName(c.RemotePrefix)
	if err != nil {
		return ConsumerOptions{}, errors.Wrap(err, "remote_prefix")
	}
	opts := ConsumerOptions{
		RemotePrefix:     remote,
		InterestLifetime: c.Consumer.InterestLifetime,
		MaxOutstanding:   c.Consumer.MaxOutstanding,
		PeerInactiveTime: c.Consumer.PeerInactiveTime,
	}
	return opts, errors.Wrap(opts.validate(), "consumer")
}

func (c *Config) producerOptions() (ProducerOptions, error) {
	local, err := ndn.ParseName(c.LocalPrefix)
	if err != nil {
		return ProducerOptions{}, errors.Wrap(err, "local_prefix")
	}
	opts := ProducerOptions{
		LocalPrefix:      local,
		FreshnessPeriod:  c.Producer.FreshnessPeriod,
		MaxContentLength: c.Producer.MaxContentLength,
		LongPoll:         c.Producer.LongPoll,
	}
	return opts, errors.Wrap(opts.validate(), "producer")
}
