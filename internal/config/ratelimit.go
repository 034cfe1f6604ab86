package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Rate limit route names shared by the limiter and its callers.
const (
	RouteTokenAuthorizationCode = "token.authorization_code"
	RouteTokenRefresh           = "token.refresh"
	RouteTokenDeviceCode        = "token.device_code"
	RouteDeviceAuthorize        = "device.authorize"
	RouteSessionRead            = "session.read"
	RouteSessionWrite           = "session.write"
)

// RateLimitPolicy is a fixed-window budget for one route.
type RateLimitPolicy struct {
	Limit    int           `mapstructure:"limit"`
	Window   time.Duration `mapstructure:"window"`
	FailOpen bool          `mapstructure:"failOpen"`
}

type RateLimitConfig struct {
	Enabled  bool                       `mapstructure:"enabled"`
	Policies map[string]RateLimitPolicy `mapstructure:"policies"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		Policies: map[string]RateLimitPolicy{
			RouteTokenAuthorizationCode: {Limit: 20, Window: time.Minute},
			RouteTokenRefresh:           {Limit: 30, Window: time.Minute},
			RouteTokenDeviceCode:        {Limit: 60, Window: time.Minute},
			RouteDeviceAuthorize:        {Limit: 10, Window: time.Minute},
			RouteSessionRead:            {Limit: 600, Window: time.Minute, FailOpen: true},
			RouteSessionWrite:           {Limit: 60, Window: time.Minute},
		},
	}
}

// Policy returns the policy for route, falling back to a fail-closed default.
func (c RateLimitConfig) Policy(route string) RateLimitPolicy {
	if p, ok := c.Policies[route]; ok {
		return p
	}
	return RateLimitPolicy{Limit: 60, Window: time.Minute}
}

type RateLimitPolicyHolder struct {
	current atomic.Value // holds RateLimitConfig
}

// NewStaticRateLimitPolicyHolder returns a holder that never reloads.
func NewStaticRateLimitPolicyHolder(cfg RateLimitConfig) *RateLimitPolicyHolder {
	holder := &RateLimitPolicyHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRateLimitPolicyHolder() (*RateLimitPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("ratelimit")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/grove")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GROVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRateLimitConfig()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}
	if !fileFound {
		return NewStaticRateLimitPolicyHolder(defaults), nil
	}

	cfg, err := decodeRateLimitConfig(v, defaults)
	if err != nil {
		return nil, err
	}

	holder := NewStaticRateLimitPolicyHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRateLimitConfig(v, defaults)
		if err != nil {
			log.Printf("[ratelimit-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ratelimit-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *RateLimitPolicyHolder) Get() RateLimitConfig {
	return h.current.Load().(RateLimitConfig)
}

func decodeRateLimitConfig(v *viper.Viper, defaults RateLimitConfig) (RateLimitConfig, error) {
	cfg := RateLimitConfig{Enabled: true}
	if err := v.UnmarshalKey("ratelimit", &cfg); err != nil {
		return RateLimitConfig{}, err
	}
	merged := make(map[string]RateLimitPolicy, len(defaults.Policies))
	for route, p := range defaults.Policies {
		merged[route] = p
	}
	for route, p := range cfg.Policies {
		merged[route] = p
	}
	cfg.Policies = merged
	if err := validateRateLimitConfig(cfg); err != nil {
		return RateLimitConfig{}, err
	}
	return cfg, nil
}

func validateRateLimitConfig(cfg RateLimitConfig) error {
	for route, p := range cfg.Policies {
		if p.Limit <= 0 {
			return fmt.Errorf("ratelimit.policies.%s.limit must be positive", route)
		}
		if p.Window <= 0 {
			return fmt.Errorf("ratelimit.policies.%s.window must be positive", route)
		}
	}
	return nil
}
