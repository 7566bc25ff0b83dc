package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the parameters of one load run. Immutable once a run starts.
type Config struct {
	TargetHost     string `mapstructure:"targetHost"`
	TargetPort     int    `mapstructure:"targetPort"`
	TargetIdentity string `mapstructure:"targetIdentity"` // called AE title
	LocalIdentity  string `mapstructure:"localIdentity"`  // calling AE title

	TargetRate  float64 `mapstructure:"targetRate"`  // ops/sec
	Concurrency int     `mapstructure:"concurrency"` // worker count

	// Exactly one of DurationSeconds / TotalCount must be set.
	DurationSeconds int `mapstructure:"durationSeconds"`
	TotalCount      int `mapstructure:"totalCount"`

	TimeoutMs  int `mapstructure:"timeoutMs"`
	RetryCount int `mapstructure:"retryCount"`

	MaxErrorRate    float64 `mapstructure:"maxErrorRate"` // fraction, 0..1
	MaxP95LatencyMs float64 `mapstructure:"maxP95LatencyMs"`

	DataRoot    string `mapstructure:"dataRoot"`
	SampleCount int    `mapstructure:"sampleCount"` // 0 = use every payload
	SampleSeed  int64  `mapstructure:"sampleSeed"`
}

// ConfigError reports an invalid or missing run parameter. Always fatal,
// raised before any send.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// SetDefaults registers the production defaults on v. Values mirror the
// environment the tool was built for: Compass listeners on 11112, 50
// images/sec peak, 2% error budget, 2s p95 budget.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("targetPort", 11112)
	v.SetDefault("targetIdentity", "COMPASS")
	v.SetDefault("localIdentity", "CSTORM_SCU")
	v.SetDefault("targetRate", 50.0)
	v.SetDefault("concurrency", 8)
	v.SetDefault("timeoutMs", 5000)
	v.SetDefault("retryCount", 0)
	v.SetDefault("maxErrorRate", 0.02)
	v.SetDefault("maxP95LatencyMs", 2000.0)
}

// FromViper reads the recognized keys out of v. Unrecognized keys are
// ignored by construction; validation happens separately so callers can
// still layer flag overrides on top.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &ConfigError{Key: "(unmarshal)", Reason: err.Error()}
	}
	return cfg, nil
}

// Validate checks required keys and mode exclusivity. The first problem
// found is reported with the offending key named.
func (c Config) Validate() error {
	if c.TargetHost == "" {
		return &ConfigError{Key: "targetHost", Reason: "required"}
	}
	if c.TargetPort <= 0 || c.TargetPort > 65535 {
		return &ConfigError{Key: "targetPort", Reason: "must be 1..65535"}
	}
	if c.DataRoot == "" {
		return &ConfigError{Key: "dataRoot", Reason: "required"}
	}
	if c.TargetRate <= 0 {
		return &ConfigError{Key: "targetRate", Reason: "must be > 0"}
	}
	if c.Concurrency < 1 {
		return &ConfigError{Key: "concurrency", Reason: "must be >= 1"}
	}
	if c.DurationSeconds <= 0 && c.TotalCount <= 0 {
		return &ConfigError{Key: "durationSeconds|totalCount", Reason: "one stop condition required"}
	}
	if c.DurationSeconds > 0 && c.TotalCount > 0 {
		return &ConfigError{Key: "durationSeconds|totalCount", Reason: "mutually exclusive, set only one"}
	}
	if c.TimeoutMs <= 0 {
		return &ConfigError{Key: "timeoutMs", Reason: "must be > 0"}
	}
	if c.RetryCount < 0 {
		return &ConfigError{Key: "retryCount", Reason: "must be >= 0"}
	}
	if c.MaxErrorRate < 0 || c.MaxErrorRate > 1 {
		return &ConfigError{Key: "maxErrorRate", Reason: "must be a fraction in 0..1"}
	}
	if c.MaxP95LatencyMs < 0 {
		return &ConfigError{Key: "maxP95LatencyMs", Reason: "must be >= 0"}
	}
	return nil
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// TotalSends is the number of logical sends the run will attempt: the
// explicit count, or rate x duration in duration mode.
func (c Config) TotalSends() int {
	if c.TotalCount > 0 {
		return c.TotalCount
	}
	n := int(c.TargetRate * float64(c.DurationSeconds))
	if n < 1 {
		n = 1
	}
	return n
}
