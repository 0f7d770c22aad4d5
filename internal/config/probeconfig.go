package config

import "time"

// clamp bounds every duration the probing core accepts (spec.md §6).
const (
	MinDuration = 100 * time.Millisecond
	MaxDuration = time.Hour

	MinTTL uint8 = 1
	MaxTTL uint8 = 255
)

// ProbeConfig is the fully-resolved configuration for one probing run,
// covering both CLI flags (spec.md §6) and the fields mapstructure pulls
// out of a config file loaded through a *viper.Viper (teacher's
// scout.Config/DefaultConfig idiom, generalized to the probing domain).
type ProbeConfig struct {
	Sources      []string `mapstructure:"sources"`
	Destinations []string `mapstructure:"destinations"`

	Ping       bool `mapstructure:"ping"`
	Traceroute bool `mapstructure:"traceroute"`
	Burstping  bool `mapstructure:"burstping"`

	TracerouteDuration        time.Duration `mapstructure:"traceroute_duration"`
	TracerouteInitialMaxTTL   uint8         `mapstructure:"traceroute_initial_max_ttl"`
	TracerouteFinalMaxTTL     uint8         `mapstructure:"traceroute_final_max_ttl"`
	TracerouteIncrementMaxTTL uint8         `mapstructure:"traceroute_increment_max_ttl"`

	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PingExpiration time.Duration `mapstructure:"ping_expiration"`
	PingTTL        uint8         `mapstructure:"ping_ttl"`
	Burst          uint32        `mapstructure:"burst"`

	Sink string `mapstructure:"sink"` // "noop" | "log" | "sqlite:PATH"

	SendRate  float64 `mapstructure:"send_rate"`  // probes/second per source, 0 = unlimited
	SendBurst int     `mapstructure:"send_burst"` // token bucket burst size
}

// DefaultProbeConfig returns spec.md §6's documented defaults.
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		Ping:                      true,
		TracerouteDuration:        time.Second,
		TracerouteInitialMaxTTL:   6,
		TracerouteFinalMaxTTL:     36,
		TracerouteIncrementMaxTTL: 6,
		PingInterval:              time.Second,
		PingExpiration:            10 * time.Second,
		PingTTL:                   64,
		Burst:                     1,
		Sink:                      "noop",
		SendBurst:                 1,
	}
}

// Clamp enforces spec.md §6's valid ranges in place, returning the fields
// it had to adjust for logging by the caller.
func (c *ProbeConfig) Clamp() (adjusted []string) {
	if c.TracerouteDuration < MinDuration {
		c.TracerouteDuration = MinDuration
		adjusted = append(adjusted, "tracerouteduration")
	} else if c.TracerouteDuration > MaxDuration {
		c.TracerouteDuration = MaxDuration
		adjusted = append(adjusted, "tracerouteduration")
	}

	if c.PingInterval < MinDuration {
		c.PingInterval = MinDuration
		adjusted = append(adjusted, "pinginterval")
	} else if c.PingInterval > MaxDuration {
		c.PingInterval = MaxDuration
		adjusted = append(adjusted, "pinginterval")
	}

	if c.PingExpiration < MinDuration {
		c.PingExpiration = MinDuration
		adjusted = append(adjusted, "pingexpiration")
	} else if c.PingExpiration > MaxDuration {
		c.PingExpiration = MaxDuration
		adjusted = append(adjusted, "pingexpiration")
	}

	clampTTL := func(v *uint8, name string) {
		if *v < MinTTL {
			*v = MinTTL
			adjusted = append(adjusted, name)
		} else if *v > MaxTTL {
			*v = MaxTTL
			adjusted = append(adjusted, name)
		}
	}
	clampTTL(&c.TracerouteInitialMaxTTL, "tracerouteinitialmaxttl")
	clampTTL(&c.TracerouteFinalMaxTTL, "traceroutefinalmaxttl")
	clampTTL(&c.TracerouteIncrementMaxTTL, "tracerouteincrementmaxttl")
	clampTTL(&c.PingTTL, "pingttl")

	if c.Burst == 0 {
		c.Burst = 1
		adjusted = append(adjusted, "burst")
	}

	if c.SendRate > 0 && c.SendBurst <= 0 {
		c.SendBurst = 1
		adjusted = append(adjusted, "sendburst")
	}

	return adjusted
}
