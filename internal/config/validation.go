package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate applies semantic checks so an invalid configuration never boots
// the service.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("empty config")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newFieldError("ListenPort", "must be within 1-65535")
	}
	if c.CachePath == "" {
		return newFieldError("CachePath", "must not be empty")
	}
	if c.DefaultTTL.DurationValue() <= 0 {
		return newFieldError("DefaultTTL", "must be greater than 0")
	}
	if c.EntryWaitTimeout.DurationValue() <= 0 {
		return newFieldError("EntryWaitTimeout", "must be greater than 0")
	}
	if c.StatusPollInterval.DurationValue() <= 0 {
		return newFieldError("StatusPollInterval", "must be greater than 0")
	}
	if c.StatusPollInterval.DurationValue() >= c.EntryWaitTimeout.DurationValue() {
		return newFieldError("StatusPollInterval", "must be shorter than EntryWaitTimeout")
	}
	if c.CacheMaintenancePeriod.DurationValue() <= 0 {
		return newFieldError("CacheMaintenancePeriod", "must be greater than 0")
	}
	if c.APIRetries < 0 {
		return newFieldError("APIRetries", "must not be negative")
	}
	if c.APITimeout.DurationValue() <= 0 {
		return newFieldError("APITimeout", "must be greater than 0")
	}
	if c.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("InitialBackoff", "must be greater than 0")
	}
	if c.FetchWorkers <= 0 {
		return newFieldError("FetchWorkers", "must be greater than 0")
	}

	if err := validateAPIURL(c.APIURL); err != nil {
		return fmt.Errorf("APIURL: %w", err)
	}
	if c.AuthEmail == "" {
		return newFieldError("AuthEmail", "must not be empty (env KT_AUTH_EMAIL)")
	}
	if c.AuthToken == "" {
		return newFieldError("AuthToken", "must not be empty (env KT_AUTH_TOKEN)")
	}

	return nil
}

func validateAPIURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http/https supported: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host: %s", raw)
	}
	return nil
}
