package config

import "time"

const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"

	AccountBackendMemory   = "memory"
	AccountBackendFile     = "file"
	AccountBackendPostgres = "postgres"
)

// SessionConfig selects where interaction state lives between the redirect
// and the provider callback.
type SessionConfig struct {
	Backend       string `env:"SESSION_BACKEND" env-default:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	StateMaxAge   string `env:"OAUTH_STATE_MAX_AGE" env-default:"15m"`
}

// ParseStateMaxAge parses the state token lifetime
func (s SessionConfig) ParseStateMaxAge() (time.Duration, error) {
	return ParseDuration(s.StateMaxAge)
}

func (s SessionConfig) Validate() ValidationErrors {
	errs := CollectErrors(
		RequireOneOf("SESSION_BACKEND", s.Backend, []string{SessionBackendMemory, SessionBackendRedis}),
	)
	if s.Backend == SessionBackendRedis {
		errs = append(errs, CollectErrors(RequireNonEmpty("REDIS_ADDR", s.RedisAddr))...)
	}
	if maxAge, err := s.ParseStateMaxAge(); err != nil {
		errs = append(errs, ValidationError{Field: "OAUTH_STATE_MAX_AGE", Message: err.Error()})
	} else if verr := RequirePositiveDuration("OAUTH_STATE_MAX_AGE", maxAge); verr != nil {
		errs = append(errs, *verr)
	}
	return errs
}

// AccountConfig selects the linked-identity store
type AccountConfig struct {
	Backend string `env:"ACCOUNT_BACKEND" env-default:"memory"`
	DataDir string `env:"ACCOUNT_DATA_DIR" env-default:"./data"`
	Db      DatabaseConfig
}

func (a AccountConfig) Validate() ValidationErrors {
	errs := CollectErrors(
		RequireOneOf("ACCOUNT_BACKEND", a.Backend,
			[]string{AccountBackendMemory, AccountBackendFile, AccountBackendPostgres}),
	)
	if a.Backend == AccountBackendFile {
		errs = append(errs, CollectErrors(RequireNonEmpty("ACCOUNT_DATA_DIR", a.DataDir))...)
	}
	return errs
}
