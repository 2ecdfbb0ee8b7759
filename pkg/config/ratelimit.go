package config

import "time"

// RateLimitConfig throttles login starts and callbacks per client IP
type RateLimitConfig struct {
	Enabled   bool   `env:"RATE_LIMIT_ENABLED" env-default:"true"`
	PerMinute int    `env:"RATE_LIMIT_PER_MINUTE" env-default:"30"`
	Burst     int    `env:"RATE_LIMIT_BURST" env-default:"10"`
	BucketTTL string `env:"RATE_LIMIT_BUCKET_TTL" env-default:"1h"`
}

// ParseBucketTTL parses how long an idle client bucket is kept
func (c RateLimitConfig) ParseBucketTTL() (time.Duration, error) {
	return ParseDuration(c.BucketTTL)
}

func (c RateLimitConfig) Validate() ValidationErrors {
	if !c.Enabled {
		return nil
	}
	var errs ValidationErrors
	if c.PerMinute <= 0 {
		errs = append(errs, ValidationError{Field: "RATE_LIMIT_PER_MINUTE", Message: "must be positive"})
	}
	if c.Burst <= 0 {
		errs = append(errs, ValidationError{Field: "RATE_LIMIT_BURST", Message: "must be positive"})
	}
	if ttl, err := c.ParseBucketTTL(); err != nil {
		errs = append(errs, ValidationError{Field: "RATE_LIMIT_BUCKET_TTL", Message: err.Error()})
	} else if verr := RequirePositiveDuration("RATE_LIMIT_BUCKET_TTL", ttl); verr != nil {
		errs = append(errs, *verr)
	}
	return errs
}
