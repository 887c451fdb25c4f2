// Package config loads the approval service configuration from config.yml,
// a .env file and the environment.
package config

import (
	"os"

	"github.com/gotify/configor"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Configuration of approvald. Durations are in seconds.
type Configuration struct {
	HTTP struct {
		ListenAddr string `default:"" env:"APPROVAL_HTTP_HOST"`
		Port       int    `default:"8080" env:"APPROVAL_HTTP_PORT"`
	}
	Log struct {
		Level  string `default:"info" env:"APPROVAL_LOG_LEVEL"`
		Format string `default:"json" env:"APPROVAL_LOG_FORMAT"`
	}
	Database struct {
		Addr            string `default:"127.0.0.1:3306" env:"APPROVAL_DB_ADDR"`
		Name            string `default:"crm" env:"APPROVAL_DB_NAME"`
		User            string `default:"root" env:"APPROVAL_DB_USER"`
		Password        string `default:"" env:"APPROVAL_DB_PASSWORD"`
		MaxOpenConns    int    `default:"20" env:"APPROVAL_DB_MAX_OPEN_CONNS"`
		MaxIdleConns    int    `default:"5" env:"APPROVAL_DB_MAX_IDLE_CONNS"`
		ConnMaxLifetime int    `default:"300" env:"APPROVAL_DB_CONN_MAX_LIFETIME"`
		TxRetries       int    `default:"3" env:"APPROVAL_DB_TX_RETRIES"`
		MigrateOnStart  *bool  `default:"true" env:"APPROVAL_DB_MIGRATE_ON_START"`
	}
	Redis struct {
		// Empty Addr runs without the definition cache and with process-local locks.
		Addr     string `default:"" env:"APPROVAL_REDIS_ADDR"`
		Password string `default:"" env:"APPROVAL_REDIS_PASSWORD"`
		DB       int    `default:"0" env:"APPROVAL_REDIS_DB"`
		PoolSize int    `default:"10" env:"APPROVAL_REDIS_POOL_SIZE"`
		CacheTTL int    `default:"600" env:"APPROVAL_REDIS_CACHE_TTL"`
		LockTTL  int    `default:"10" env:"APPROVAL_REDIS_LOCK_TTL"`
	}
	Auth struct {
		JWTSecret      string `default:"" env:"APPROVAL_JWT_SECRET"`
		Issuer         string `default:"" env:"APPROVAL_JWT_ISSUER"`
		CallbackSecret string `default:"" env:"APPROVAL_CALLBACK_SECRET"`
	}
	Engine struct {
		AmountField string `default:"amount" env:"APPROVAL_AMOUNT_FIELD"`
		// EmptyAssignees is "skip" or "fail".
		EmptyAssignees string `default:"skip" env:"APPROVAL_EMPTY_ASSIGNEES"`
		// MachineID distinguishes snowflake generators of concurrent processes.
		MachineID int `default:"1" env:"APPROVAL_MACHINE_ID"`
	}
}

var ErrInvalidConfig = errors.New("invalid configuration")

func configFiles() []string {
	return []string{"config.yml"}
}

// Load reads envFile (ignored when missing) into the environment, then
// loads files and the environment into a Configuration. Without files,
// config.yml is tried.
func Load(envFile string, files ...string) (*Configuration, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}
	if len(files) == 0 {
		files = configFiles()
	}

	conf := new(Configuration)
	if err := configor.New(&configor.Config{}).Load(conf, files...); err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks values configor cannot.
func (c *Configuration) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.Wrap(ErrInvalidConfig, "APPROVAL_JWT_SECRET is required")
	}
	switch c.Engine.EmptyAssignees {
	case "skip", "fail":
	default:
		return errors.Wrapf(ErrInvalidConfig, "empty assignee policy %q", c.Engine.EmptyAssignees)
	}
	if c.Engine.MachineID < 0 || c.Engine.MachineID > 1023 {
		return errors.Wrapf(ErrInvalidConfig, "machine id %d out of range", c.Engine.MachineID)
	}
	return nil
}

// Migrate reports whether the schema should be applied on start.
func (c *Configuration) Migrate() bool {
	return c.Database.MigrateOnStart == nil || *c.Database.MigrateOnStart
}
