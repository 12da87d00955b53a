package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration accepts both Go duration strings ("30s", "5m") and plain second
// counts in the config file, since operators coming from the previous
// deployment write TTLs as bare integers.
type Duration time.Duration

// UnmarshalText lets viper decode "30s", "5m" or a plain numeric seconds
// value into a Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue returns the plain time.Duration for calculations.
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Config is the full service configuration, loaded once at process start.
type Config struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// CachePath is the base directory holding the pending/active pair.
	CachePath string `mapstructure:"CachePath"`
	// DefaultTTL applies when a request does not carry its own ttl.
	DefaultTTL Duration `mapstructure:"DefaultTTL"`
	// EntryWaitTimeout bounds how long a GET blocks on a pending render.
	// When zero it is derived from APIRetries and APITimeout so the wait
	// outlives the slowest possible render.
	EntryWaitTimeout Duration `mapstructure:"EntryWaitTimeout"`
	// StatusPollInterval is the pending-entry poll period of the wait
	// primitive.
	StatusPollInterval Duration `mapstructure:"StatusPollInterval"`
	// CacheMaintenancePeriod is the interval between pruning sweeps.
	CacheMaintenancePeriod Duration `mapstructure:"CacheMaintenancePeriod"`

	APIURL         string   `mapstructure:"APIURL"`
	AuthEmail      string   `mapstructure:"AuthEmail"`
	AuthToken      string   `mapstructure:"AuthToken"`
	APIRetries     int      `mapstructure:"APIRetries"`
	APITimeout     Duration `mapstructure:"APITimeout"`
	InitialBackoff Duration `mapstructure:"InitialBackoff"`
	// FetchWorkers caps how many renders may be in flight at once.
	FetchWorkers int `mapstructure:"FetchWorkers"`

	Debug bool `mapstructure:"Debug"`
}
