package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the TOML config file, applies env overrides, defaults and
// validation. An absent file is not an error when the path was not set
// explicitly: credentials-only deployments configure everything through the
// environment.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || (!errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}
	cfg.CachePath = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CachePath", "./cache")
	v.SetDefault("DefaultTTL", 300)
	v.SetDefault("StatusPollInterval", "500ms")
	v.SetDefault("CacheMaintenancePeriod", 60)
	v.SetDefault("APIURL", "https://api.kentik.com/api/v5")
	v.SetDefault("APIRetries", 3)
	v.SetDefault("APITimeout", 60)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("FetchWorkers", 8)
}

// bindEnv keeps the credential variables of the previous deployment working
// so existing .env files carry over untouched.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("AuthEmail", "KT_AUTH_EMAIL")
	_ = v.BindEnv("AuthToken", "KT_AUTH_TOKEN")
	_ = v.BindEnv("APIURL", "KENTIK_API_URL")
	_ = v.BindEnv("CachePath", "KENTIK_CACHE_PATH")
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultTTL.DurationValue() <= 0 {
		cfg.DefaultTTL = Duration(5 * time.Minute)
	}
	if cfg.StatusPollInterval.DurationValue() <= 0 {
		cfg.StatusPollInterval = Duration(500 * time.Millisecond)
	}
	if cfg.CacheMaintenancePeriod.DurationValue() <= 0 {
		cfg.CacheMaintenancePeriod = Duration(time.Minute)
	}
	if cfg.APITimeout.DurationValue() <= 0 {
		cfg.APITimeout = Duration(60 * time.Second)
	}
	if cfg.InitialBackoff.DurationValue() <= 0 {
		cfg.InitialBackoff = Duration(time.Second)
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 8
	}
	// The wait must outlive the slowest possible render: every retry at the
	// full per-attempt timeout, plus slack for the promotion to land.
	if cfg.EntryWaitTimeout.DurationValue() <= 0 {
		derived := time.Duration(cfg.APIRetries+1)*cfg.APITimeout.DurationValue() + 5*time.Second
		cfg.EntryWaitTimeout = Duration(derived)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("cannot parse duration field: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type: %T", v)
		}
	}
}
