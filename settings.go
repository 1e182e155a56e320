package streamstore

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/flowmesh/streamstore/logger"
)

// Settings configures a store instance. The zero value is usable; unset
// fields take the documented defaults. There is no ambient process-wide
// configuration: everything is passed at construction time.
type Settings struct {
	// MetadataCacheTTL bounds the lifetime of cached max-age entries.
	MetadataCacheTTL time.Duration `env:"METADATA_CACHE_TTL" envDefault:"1m"`

	// MetadataCacheSize bounds the number of cached max-age entries.
	MetadataCacheSize int `env:"METADATA_CACHE_SIZE" envDefault:"10000"`

	// DisableMetadataCache turns off expiry filtering entirely; every lookup
	// reports "no expiry". Appropriate for backends that do not want the
	// behavior.
	DisableMetadataCache bool `env:"DISABLE_METADATA_CACHE" envDefault:"false"`

	// NotifierInterval is the head-position polling interval used to drive
	// subscriptions.
	NotifierInterval time.Duration `env:"NOTIFIER_INTERVAL" envDefault:"1s"`

	// SubscriptionPageSize is the page size used by catch-up subscriptions.
	SubscriptionPageSize int `env:"SUBSCRIPTION_PAGE_SIZE" envDefault:"200"`

	// Now supplies the clock used for expiry filtering. Defaults to UTC now.
	Now func() time.Time `env:"-"`

	// Logger is the structured logger for the store and its background
	// activities. Defaults to the logger package's "streamstore" component.
	Logger *zerolog.Logger `env:"-"`

	// Metrics, if set, records operation counters. Nil disables metrics.
	Metrics *Metrics `env:"-"`
}

// SettingsFromEnv builds Settings from STREAMSTORE_-prefixed environment
// variables.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Prefix: "STREAMSTORE_"}); err != nil {
		return Settings{}, fmt.Errorf("streamstore: parse environment: %w", err)
	}
	return s, nil
}

func (s Settings) withDefaults() Settings {
	if s.MetadataCacheTTL <= 0 {
		s.MetadataCacheTTL = time.Minute
	}
	if s.MetadataCacheSize <= 0 {
		s.MetadataCacheSize = 10000
	}
	if s.NotifierInterval <= 0 {
		s.NotifierInterval = time.Second
	}
	if s.SubscriptionPageSize <= 0 {
		s.SubscriptionPageSize = 200
	}
	if s.Now == nil {
		s.Now = func() time.Time { return time.Now().UTC() }
	}
	if s.Logger == nil {
		l := logger.WithComponent("streamstore")
		s.Logger = &l
	}
	return s
}
