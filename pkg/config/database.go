package config

import dbutils "github.com/tendant/db-utils/db"

// DatabaseConfig holds the PostgreSQL settings of the linked-identity store
type DatabaseConfig struct {
	Host     string `env:"OAUTH_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"OAUTH_PG_PORT" env-default:"5432"`
	Database string `env:"OAUTH_PG_DATABASE" env-default:"portal_db"`
	User     string `env:"OAUTH_PG_USER" env-default:"portal"`
	Password string `env:"OAUTH_PG_PASSWORD" env-default:"pwd"`
}

// ToDbConfig converts the config to a db-utils DbConfig
func (d DatabaseConfig) ToDbConfig() dbutils.DbConfig {
	return dbutils.DbConfig{
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Database,
		User:     d.User,
		Password: d.Password,
	}
}
