// Package config wraps *viper.Viper the way the rest of the codebase
// expects to receive configuration: a thin, nil-safe accessor type that
// plugin/component Init methods can hold onto without caring whether the
// underlying viper instance is the root config or a Sub-section of it.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config wraps a *viper.Viper (or nil) and exposes the handful of typed
// getters callers need. A nil-wrapped Config never panics — every getter
// degrades to the zero value, matching viper's own behavior for unset keys.
type Config struct {
	v *viper.Viper
}

// New wraps v. v may be nil.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

func (c *Config) GetString(key string) string {
	if c == nil || c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	if c == nil || c.v == nil {
		return 0
	}
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	if c == nil || c.v == nil {
		return false
	}
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	if c == nil || c.v == nil {
		return 0
	}
	return c.v.GetDuration(key)
}

func (c *Config) IsSet(key string) bool {
	if c == nil || c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// Sub returns the Config for key's sub-tree. It never returns nil: a
// missing key yields an empty (all-zero-value) Config.
func (c *Config) Sub(key string) *Config {
	if c == nil || c.v == nil {
		return New(nil)
	}
	sub := c.v.Sub(key)
	return New(sub)
}

// Unmarshal decodes the wrapped viper tree into out via mapstructure tags.
func (c *Config) Unmarshal(out any) error {
	if c == nil || c.v == nil {
		return nil
	}
	return c.v.Unmarshal(out)
}
