// Package config loads the cachegate top-level configuration via
// spf13/viper, with environment overrides under the APP_ prefix.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/aistore-edge/cachegate/cmn"
)

// Rewrite is one literal substitution entry in a Rule's rewrite list.
type Rewrite struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// Rule binds a URL path or host target to a Policy. Exactly one of Path or
// Target must be set.
type Rule struct {
	Path      string    `mapstructure:"path"`
	Target    string    `mapstructure:"target"`
	Policy    string    `mapstructure:"policy"`
	Upstream  string    `mapstructure:"upstream"`
	SizeLimit string    `mapstructure:"size_limit"`
	Rewrite   []Rewrite `mapstructure:"rewrite"`
}

func (r Rule) validate() error {
	if (r.Path == "") == (r.Target == "") {
		return fmt.Errorf("%w: rule for policy %q must set exactly one of path or target", cmn.ErrConfigInvalid, r.Policy)
	}
	if r.Policy == "" {
		return fmt.Errorf("%w: rule missing policy name", cmn.ErrConfigInvalid)
	}
	if r.Upstream == "" {
		return fmt.Errorf("%w: rule for policy %q missing upstream", cmn.ErrConfigInvalid, r.Policy)
	}
	return nil
}

// Policy is the named, typed caching strategy: LRU or TTL with its sizing
// or timeout parameter and backend choices.
type Policy struct {
	Name          string `mapstructure:"name"`
	Type          string `mapstructure:"type"` // "LRU" | "TTL"
	Size          string `mapstructure:"size"`
	TimeoutSecs   int64  `mapstructure:"timeout"`
	MetadataDB    string `mapstructure:"metadata_db"` // "Redis" | "Sled"
	Storage       string `mapstructure:"storage"`
	CleanInterval int64  `mapstructure:"clean_interval"`
}

func (p Policy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: policy missing name", cmn.ErrConfigInvalid)
	}
	switch p.Type {
	case "LRU":
		if p.Size == "" {
			return fmt.Errorf("%w: LRU policy %q requires size", cmn.ErrConfigInvalid, p.Name)
		}
	case "TTL":
		if p.TimeoutSecs <= 0 {
			return fmt.Errorf("%w: TTL policy %q requires a positive timeout", cmn.ErrConfigInvalid, p.Name)
		}
	default:
		return fmt.Errorf("%w: policy %q has unknown type %q", cmn.ErrConfigInvalid, p.Name, p.Type)
	}
	switch p.MetadataDB {
	case "Redis", "Sled":
	default:
		return fmt.Errorf("%w: policy %q has unknown metadata_db %q", cmn.ErrConfigInvalid, p.Name, p.MetadataDB)
	}
	if p.Storage == "" {
		return fmt.Errorf("%w: policy %q missing storage", cmn.ErrConfigInvalid, p.Name)
	}
	return nil
}

// StorageConfig is one named blob backend: a filesystem tree or an
// in-memory map.
type StorageConfig struct {
	Name   string `mapstructure:"name"`
	Config struct {
		Type string `mapstructure:"type"` // "Fs" | "Mem"
		Path string `mapstructure:"path"`
	} `mapstructure:"config"`
}

func (s StorageConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: storage missing name", cmn.ErrConfigInvalid)
	}
	switch s.Config.Type {
	case "Fs":
		if s.Config.Path == "" {
			return fmt.Errorf("%w: storage %q of type Fs requires a path", cmn.ErrConfigInvalid, s.Name)
		}
	case "Mem":
	default:
		return fmt.Errorf("%w: storage %q has unknown type %q", cmn.ErrConfigInvalid, s.Name, s.Config.Type)
	}
	return nil
}

// Config is the top-level deserialized configuration document.
type Config struct {
	Port     uint16          `mapstructure:"port"`
	URL      string          `mapstructure:"url"`
	Rules    []Rule          `mapstructure:"rules"`
	Policies []Policy        `mapstructure:"policies"`
	Storages []StorageConfig `mapstructure:"storages"`
	Sled     struct {
		MetadataPath string `mapstructure:"metadata_path"`
	} `mapstructure:"sled"`
	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`
}

// Validate cross-checks rules against policies/storages and enforces the
// path/target exclusivity rule.
func (c *Config) Validate() error {
	policyNames := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if err := p.validate(); err != nil {
			return err
		}
		policyNames[p.Name] = true
	}
	storageNames := make(map[string]bool, len(c.Storages))
	for _, s := range c.Storages {
		if err := s.validate(); err != nil {
			return err
		}
		storageNames[s.Name] = true
	}
	for _, p := range c.Policies {
		if !storageNames[p.Storage] {
			return fmt.Errorf("%w: policy %q references unknown storage %q", cmn.ErrConfigInvalid, p.Name, p.Storage)
		}
	}
	for _, r := range c.Rules {
		if err := r.validate(); err != nil {
			return err
		}
		if !policyNames[r.Policy] {
			return fmt.Errorf("%w: rule references unknown policy %q", cmn.ErrConfigInvalid, r.Policy)
		}
	}
	return nil
}

// Load reads the named config file (any format viper supports: yaml, json,
// toml) and overlays environment variables under the APP_ prefix, e.g.
// APP_PORT or APP_REDIS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", cmn.ErrConfigInvalid, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", cmn.ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
