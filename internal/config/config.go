// Package config loads process configuration from defaults, an optional YAML
// file and GROUPCAST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"groupcast/internal/apperr"
	"groupcast/internal/logging"
	"groupcast/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. GROUPCAST_HTTP_ADDR.
const EnvPrefix = "GROUPCAST"

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         logging.Config    `mapstructure:"log"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Run         model.RunConfig   `mapstructure:"run"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" validate:"required"`
}

type PlatformConfig struct {
	// Driver is "telegram" for the real platform or "sim" for the offline
	// simulator.
	Driver       string        `mapstructure:"driver" validate:"oneof=telegram sim"`
	SessionDir   string        `mapstructure:"session_dir" validate:"required_if=Driver telegram"`
	RPCPerSecond float64       `mapstructure:"rpc_per_second" validate:"gt=0"`
	SendTimeout  time.Duration `mapstructure:"send_timeout" validate:"min=1s,max=5m"`
}

type DispatchConfig struct {
	BackoffBase      time.Duration `mapstructure:"backoff_base" validate:"min=100ms,max=30s"`
	PasswordAttempts int           `mapstructure:"password_attempts" validate:"min=1,max=10"`
}

type MaintenanceConfig struct {
	LogRetention time.Duration `mapstructure:"log_retention" validate:"min=1h"`
	Interval     time.Duration `mapstructure:"interval" validate:"min=1m"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report the config key, not the Go field
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.dsn", "file:data/groupcast.db?_busy_timeout=5000&_fk=1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 20)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 14)

	v.SetDefault("platform.driver", "telegram")
	v.SetDefault("platform.session_dir", "data/session")
	v.SetDefault("platform.rpc_per_second", 2.0)
	v.SetDefault("platform.send_timeout", 30*time.Second)

	v.SetDefault("dispatch.backoff_base", 2*time.Second)
	v.SetDefault("dispatch.password_attempts", 3)

	run := model.DefaultRunConfig()
	v.SetDefault("run.group_delay_seconds", run.GroupDelaySeconds)
	v.SetDefault("run.cycle_delay_minutes", run.CycleDelayMinutes)
	v.SetDefault("run.max_retries", run.MaxRetries)
	v.SetDefault("run.auto_blacklist", run.AutoBlacklist)
	v.SetDefault("run.rate_limit_buffer_percent", run.RateLimitBufferPercent)
	v.SetDefault("run.running", run.Running)

	v.SetDefault("maintenance.log_retention", 30*24*time.Hour)
	v.SetDefault("maintenance.interval", time.Hour)
}

// Load reads configuration. An empty path looks for ./config.yaml and
// tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports all violations at once.
func Validate(cfg *Config) error {
	return check(cfg)
}

// ValidateRunConfig checks the operator-editable ranges.
func ValidateRunConfig(cfg model.RunConfig) error {
	return check(cfg)
}

func check(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return apperr.Wrap(apperr.KindValidation, "invalid configuration", err)
	}
	details := make([]string, 0, len(ves))
	for _, fe := range ves {
		details = append(details, describe(fe))
	}
	return apperr.Validation(apperr.KindValidation, details)
}

func describe(fe validator.FieldError) string {
	// strip the root struct name
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
