package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var (
	settings Settings
	v        *viper.Viper
)

// Settings holds all runtime configuration for the installer.
type Settings struct {
	// MaxEntrySize is the maximum declared size, in bytes, of a single
	// archive entry before extraction is refused.
	MaxEntrySize int64
	// SkipIntegrityCheck disables integrity verification of remote
	// registry packages.
	SkipIntegrityCheck bool
	// LockPollInterval is the sleep between checks while waiting for a
	// concurrent run to release the installation lock.
	LockPollInterval time.Duration
}

// Initialize sets up the configuration system.
func Initialize() error {
	v = viper.New()

	setDefaults()

	// The environment contract uses bare variable names, so they are bound
	// explicitly rather than through a prefix.
	if err := v.BindEnv("maxEntrySize", "MAX_ENTRY_SIZE"); err != nil {
		return fmt.Errorf("binding MAX_ENTRY_SIZE: %w", err)
	}
	if err := v.BindEnv("skipIntegrityCheck", "SKIP_INTEGRITY_CHECK"); err != nil {
		return fmt.Errorf("binding SKIP_INTEGRITY_CHECK: %w", err)
	}
	if err := v.BindEnv("lockPollInterval", "LOCK_POLL_INTERVAL"); err != nil {
		return fmt.Errorf("binding LOCK_POLL_INTERVAL: %w", err)
	}

	settings = Settings{
		MaxEntrySize:       v.GetInt64("maxEntrySize"),
		SkipIntegrityCheck: v.GetBool("skipIntegrityCheck"),
		LockPollInterval:   v.GetDuration("lockPollInterval"),
	}

	if settings.MaxEntrySize <= 0 {
		return fmt.Errorf("maxEntrySize must be positive, got %d", settings.MaxEntrySize)
	}

	return nil
}

// setDefaults sets default values for all configuration options.
func setDefaults() {
	v.SetDefault("maxEntrySize", 20_000_000)
	v.SetDefault("skipIntegrityCheck", false)
	v.SetDefault("lockPollInterval", time.Second)
}

// Get returns the current configuration.
func Get() *Settings {
	return &settings
}
