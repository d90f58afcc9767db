package config

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/viper"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/sshkey"
)

// EnvPrefix is prepended to every configuration key when it is read from the
// environment, e.g. ssh_key_quota is read from UIS_SSH_KEY_QUOTA.
const EnvPrefix = "UIS"

// RegistryConfig holds the connection settings for the identity registry.
type RegistryConfig struct {
	URL       string
	User      string
	Key       string
	CoID      string
	ActiveCOU string
	Timeout   time.Duration
}

// Config holds all application configuration loaded from the environment
// and an optional YAML file.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level
	DBPath     string

	Storage         model.StorageMode
	KeyQuota        int
	KeyAlgorithm    sshkey.Algorithm
	BastionValidity time.Duration
	SliverValidity  time.Duration
	RetentionPeriod time.Duration
	SweepInterval   time.Duration

	// QueryMinLength is the shortest accepted people-search fragment.
	QueryMinLength int

	// FeedSecret guards the bastion change feed. Empty disables the feed.
	FeedSecret string

	JWTSecret           string
	SkipTokenValidation bool

	Registry RegistryConfig
}

var defaults = map[string]any{
	"listen_addr":               "127.0.0.1:8080",
	"log_level":                 "info",
	"db_path":                   "uis.db",
	"ssh_key_storage":           string(model.StorageLocal),
	"ssh_key_quota":             "5",
	"ssh_key_algorithm":         string(sshkey.AlgorithmED25519),
	"bastion_key_validity":      "4320h",
	"sliver_key_validity":       "0",
	"ssh_garbage_collect_after": "720h",
	"ssh_sweep_interval":        "0",
	"query_character_min":       "3",
	"ssh_key_secret":            "",
	"jwt_secret":                "",
	"skip_token_validation":     "false",
	"co_registry_url":           "",
	"coapi_user":                "",
	"coapi_key":                 "",
	"coid":                      "",
	"co_active_users_cou":       "",
	"registry_timeout":          "10s",
}

// Load reads configuration from UIS_-prefixed environment variables and, when
// path is non-empty, from the YAML file at path. Environment variables take
// precedence over the file. It fails fast on malformed or inconsistent values.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Annotatef(err, "reading config file %s", path)
			}
		}
	}

	p := parser{v: v}
	cfg := &Config{
		ListenAddr: strings.TrimSpace(v.GetString("listen_addr")),
		LogLevel:   p.level("log_level"),
		DBPath:     strings.TrimSpace(v.GetString("db_path")),

		KeyQuota:        p.positiveInt("ssh_key_quota"),
		BastionValidity: p.duration("bastion_key_validity"),
		SliverValidity:  p.duration("sliver_key_validity"),
		RetentionPeriod: p.duration("ssh_garbage_collect_after"),
		SweepInterval:   p.duration("ssh_sweep_interval"),
		QueryMinLength:  p.positiveInt("query_character_min"),

		FeedSecret:          v.GetString("ssh_key_secret"),
		JWTSecret:           v.GetString("jwt_secret"),
		SkipTokenValidation: p.boolean("skip_token_validation"),

		Registry: RegistryConfig{
			URL:       strings.TrimSpace(v.GetString("co_registry_url")),
			User:      v.GetString("coapi_user"),
			Key:       v.GetString("coapi_key"),
			CoID:      strings.TrimSpace(v.GetString("coid")),
			ActiveCOU: strings.TrimSpace(v.GetString("co_active_users_cou")),
			Timeout:   p.duration("registry_timeout"),
		},
	}

	if mode, err := model.ParseStorageMode(v.GetString("ssh_key_storage")); err != nil {
		p.fail("ssh_key_storage", err)
	} else {
		cfg.Storage = mode
	}
	if alg, err := sshkey.ParseAlgorithm(v.GetString("ssh_key_algorithm")); err != nil {
		p.fail("ssh_key_algorithm", err)
	} else {
		cfg.KeyAlgorithm = alg
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return errors.NotValidf("listen_addr is empty")
	}
	if c.DBPath == "" {
		return errors.NotValidf("db_path is empty")
	}
	if c.RetentionPeriod <= 0 {
		return errors.NotValidf("ssh_garbage_collect_after must be positive; %s", c.RetentionPeriod)
	}
	if c.Registry.Timeout <= 0 {
		return errors.NotValidf("registry_timeout %s", c.Registry.Timeout)
	}
	if !c.SkipTokenValidation && c.JWTSecret == "" {
		return errors.NotValidf("jwt_secret is required unless skip_token_validation is set; empty jwt_secret")
	}
	if c.Storage == model.StorageMirrored && c.Registry.URL == "" {
		return errors.NotValidf("ssh_key_storage %q without co_registry_url", c.Storage)
	}
	if c.Registry.URL != "" {
		u, err := url.Parse(c.Registry.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.NotValidf("co_registry_url %q", c.Registry.URL)
		}
		if c.Registry.CoID == "" {
			return errors.NotValidf("co_registry_url set without coid; empty coid")
		}
	}
	return nil
}

// HasRegistry reports whether an identity registry is configured.
func (c *Config) HasRegistry() bool {
	return c.Registry.URL != ""
}

// Policies builds the per-category key policy table. Sliver keys are the
// ones copied to the registry in mirrored mode.
func (c *Config) Policies() model.Policies {
	return model.Policies{
		model.CategoryBastion: {Validity: c.BastionValidity},
		model.CategorySliver:  {Validity: c.SliverValidity, Mirrored: true},
	}
}

// parser collects the first conversion error so Load can report it after
// reading every key.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = errors.NewNotValid(err, "invalid "+key)
	}
}

func (p *parser) duration(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return 0
	}
	if d < 0 {
		p.fail(key, errors.Errorf("negative duration %s", d))
		return 0
	}
	return d
}

func (p *parser) positiveInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(p.v.GetString(key)))
	if err != nil {
		p.fail(key, err)
		return 0
	}
	if n < 1 {
		p.fail(key, errors.Errorf("must be at least 1, got %d", n))
		return 0
	}
	return n
}

func (p *parser) boolean(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(p.v.GetString(key)))
	if err != nil {
		p.fail(key, err)
		return false
	}
	return b
}

func (p *parser) level(key string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(p.v.GetString(key)))); err != nil {
		p.fail(key, err)
		return slog.LevelInfo
	}
	return lvl
}
