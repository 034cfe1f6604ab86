package oauth2provider

import (
	"time"

	"github.com/smallbiznis/grove/internal/config"
)

// Config holds OAuth2 provider configuration.
type Config struct {
	CodeTTL            time.Duration
	RefreshTTL         time.Duration
	DeviceCodeTTL      time.Duration
	DeviceInterval     time.Duration
	DeviceSlowDownStep time.Duration
	VerificationURI    string
	ReuseRevokesFamily bool
	CleanupInterval    time.Duration
}

func NewConfig(cfg config.Config) Config {
	return Config{
		CodeTTL:            cfg.OAuth2.CodeTTL,
		RefreshTTL:         cfg.OAuth2.RefreshTTL,
		DeviceCodeTTL:      cfg.OAuth2.DeviceCodeTTL,
		DeviceInterval:     cfg.OAuth2.DeviceInterval,
		DeviceSlowDownStep: cfg.OAuth2.DeviceSlowDownStep,
		VerificationURI:    cfg.OAuth2.VerificationURI,
		ReuseRevokesFamily: cfg.OAuth2.RefreshReuseRevokesFamily,
		CleanupInterval:    cfg.OAuth2.CleanupInterval,
	}
}
