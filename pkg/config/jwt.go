package config

import "time"

// DevelopmentJWTSecret is the JWT_SECRET default. It is public, so it is
// rejected in production.
const DevelopmentJWTSecret = "very-secure-jwt-secret"

// JWTConfig holds the settings of the login cookie issued after a successful
// provider login.
type JWTConfig struct {
	Secret          string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	CookieSecure    bool   `env:"COOKIE_SECURE" env-default:"true"`
	LoginTokenTTL   string `env:"LOGIN_TOKEN_EXPIRY" env-default:"PT1H"`
	RegistrationTTL string `env:"REGISTRATION_EXPIRY" env-default:"30m"`
}

// ParseLoginTokenTTL parses the login token expiry duration
func (j JWTConfig) ParseLoginTokenTTL() (time.Duration, error) {
	return ParseDuration(j.LoginTokenTTL)
}

// ParseRegistrationTTL parses how long a pending registration is kept
func (j JWTConfig) ParseRegistrationTTL() (time.Duration, error) {
	return ParseDuration(j.RegistrationTTL)
}

// Validate checks the secret and the expiry settings
func (j JWTConfig) Validate() ValidationErrors {
	errs := CollectErrors(RequireMinLength("JWT_SECRET", j.Secret, 16))
	if IsProduction() && j.Secret == DevelopmentJWTSecret {
		errs = append(errs, ValidationError{Field: "JWT_SECRET", Message: "must be set in production"})
	}
	if ttl, err := j.ParseLoginTokenTTL(); err != nil {
		errs = append(errs, ValidationError{Field: "LOGIN_TOKEN_EXPIRY", Message: err.Error()})
	} else if verr := RequirePositiveDuration("LOGIN_TOKEN_EXPIRY", ttl); verr != nil {
		errs = append(errs, *verr)
	}
	if ttl, err := j.ParseRegistrationTTL(); err != nil {
		errs = append(errs, ValidationError{Field: "REGISTRATION_EXPIRY", Message: err.Error()})
	} else if verr := RequirePositiveDuration("REGISTRATION_EXPIRY", ttl); verr != nil {
		errs = append(errs, *verr)
	}
	return errs
}
