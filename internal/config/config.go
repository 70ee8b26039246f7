// Package config loads eventvault settings.
//
// Values come from Default, then an optional YAML file, then EVENTVAULT_*
// environment variables. The result is checked against an embedded CUE
// schema before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/eventvault/internal/admission"
	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/crypt"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Rule is a rate limit rule.
type Rule struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// Admission converts r for the admission package.
func (r Rule) Admission() admission.Rule {
	return admission.Rule{Limit: r.Limit, Window: r.Window.D()}
}

type DEK struct {
	TTL     Duration `yaml:"ttl"`
	MaxUses int      `yaml:"max_uses"`
}

type Stats struct {
	RemoteRefresh Duration `yaml:"remote_refresh"`
	LocalRefresh  Duration `yaml:"local_refresh"`
}

type Salts struct {
	DEK    string `yaml:"dek"`
	Wrap   string `yaml:"wrap"`
	Master string `yaml:"master"`
}

// Crypt returns the salts as key material.
func (s Salts) Crypt() crypt.Salts {
	return crypt.Salts{DEK: []byte(s.DEK), Wrap: []byte(s.Wrap), Master: []byte(s.Master)}
}

// Compaction schedules folding of superseded entries into reducer output.
type Compaction struct {
	Interval Duration `yaml:"interval"`
}

type Journal struct {
	Path       string `yaml:"path"`
	BatchBytes int    `yaml:"batch_bytes"`
}

type Limits struct {
	Connect Rule `yaml:"connect"`
	Mutate  Rule `yaml:"mutate"`
	// Tiers overrides Mutate for the named admission tiers.
	Tiers map[string]Rule `yaml:"tiers"`
}

// MutateRule returns the mutation rule of tier.
func (l Limits) MutateRule(tier string) Rule {
	if r, ok := l.Tiers[tier]; ok {
		return r
	}
	return l.Mutate
}

// Server configures `eventvault serve`.
type Server struct {
	Listen      string         `yaml:"listen"`
	Database    string         `yaml:"database"`
	IdleTimeout Duration       `yaml:"idle_timeout"`
	Tier        backend.Limits `yaml:"tier"`
	Limits      Limits         `yaml:"limits"`
	// RedisAddr switches rate limiting to Redis when set.
	RedisAddr string `yaml:"redis_addr"`
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string `yaml:"tokens"`
	// Tiers maps user ids to admission tiers.
	Tiers map[string]string `yaml:"tiers"`
}

// Config is the full eventvault configuration.
type Config struct {
	Namespace          string   `yaml:"namespace"`
	SyncURL            string   `yaml:"sync_url"`
	Token              string   `yaml:"token"`
	WriteBatchInterval Duration `yaml:"write_batch_interval"`
	// Definitions is an optional CUE file of event declarations.
	Definitions string     `yaml:"definitions"`
	DEK         DEK        `yaml:"dek"`
	Stats       Stats      `yaml:"stats"`
	Compaction  Compaction `yaml:"compaction"`
	Salts       Salts      `yaml:"salts"`
	Journal     Journal    `yaml:"journal"`
	Server      Server     `yaml:"server"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Namespace:          "eventvault",
		SyncURL:            "ws://localhost:8787/sync",
		WriteBatchInterval: Duration(500 * time.Millisecond),
		DEK: DEK{
			TTL:     Duration(crypt.DefaultDEKTTL),
			MaxUses: crypt.DefaultDEKMaxUses,
		},
		Stats: Stats{
			RemoteRefresh: Duration(3 * time.Minute),
			LocalRefresh:  Duration(time.Minute),
		},
		Compaction: Compaction{
			Interval: Duration(time.Hour),
		},
		Salts: Salts{
			DEK:    "eventvault/dek/v1",
			Wrap:   "eventvault/wrap/v1",
			Master: "eventvault/master/v1",
		},
		Journal: Journal{
			Path:       "eventvault.db",
			BatchBytes: 256 << 10,
		},
		Server: Server{
			Listen:      ":8787",
			Database:    "eventvault-server.db",
			IdleTimeout: Duration(5 * time.Minute),
			Tier: backend.Limits{
				MaxDevices:      5,
				MaxVaults:       3,
				MaxStorageBytes: 100 << 20,
			},
			Limits: Limits{
				Connect: Rule{Limit: admission.DefaultConnectRule.Limit, Window: Duration(admission.DefaultConnectRule.Window)},
				Mutate:  Rule{Limit: admission.DefaultMutateRule.Limit, Window: Duration(admission.DefaultMutateRule.Window)},
				Tiers:   map[string]Rule{},
			},
			Tokens: map[string]string{},
			Tiers:  map[string]string{},
		},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path (if not empty) over the defaults and applies the process
// environment.
func Load(path string) (Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(src, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. The
// environment is not consulted.
func Parse(src []byte) (Config, error) {
	cfg := Default()
	if err := decode(src, &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(src []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envVar binds one environment variable to a setting.
type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func dur(dst func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

var envVars = []envVar{
	{"EVENTVAULT_NAMESPACE", str(func(c *Config) *string { return &c.Namespace })},
	{"EVENTVAULT_SYNC_URL", str(func(c *Config) *string { return &c.SyncURL })},
	{"EVENTVAULT_TOKEN", str(func(c *Config) *string { return &c.Token })},
	{"EVENTVAULT_DEFINITIONS", str(func(c *Config) *string { return &c.Definitions })},
	{"EVENTVAULT_WRITE_BATCH_INTERVAL", dur(func(c *Config) *Duration { return &c.WriteBatchInterval })},
	{"EVENTVAULT_DEK_TTL", dur(func(c *Config) *Duration { return &c.DEK.TTL })},
	{"EVENTVAULT_DEK_MAX_USES", integer(func(c *Config) *int { return &c.DEK.MaxUses })},
	{"EVENTVAULT_COMPACTION_INTERVAL", dur(func(c *Config) *Duration { return &c.Compaction.Interval })},
	{"EVENTVAULT_SALT_DEK", str(func(c *Config) *string { return &c.Salts.DEK })},
	{"EVENTVAULT_SALT_WRAP", str(func(c *Config) *string { return &c.Salts.Wrap })},
	{"EVENTVAULT_SALT_MASTER", str(func(c *Config) *string { return &c.Salts.Master })},
	{"EVENTVAULT_JOURNAL_PATH", str(func(c *Config) *string { return &c.Journal.Path })},
	{"EVENTVAULT_SERVER_LISTEN", str(func(c *Config) *string { return &c.Server.Listen })},
	{"EVENTVAULT_SERVER_DATABASE", str(func(c *Config) *string { return &c.Server.Database })},
	{"EVENTVAULT_REDIS_ADDR", str(func(c *Config) *string { return &c.Server.RedisAddr })},
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}
	return nil
}
