package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goliatone/go-print"
	"github.com/spf13/viper"
)

const envPrefix = "AUTH"

type Config struct {
	Issuer         string `mapstructure:"issuer" validate:"required"`
	Audience       string `mapstructure:"audience" validate:"required"`
	SigningKeyID   string `mapstructure:"signing_key_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	// PrivateKey holds a PEM (or base64 PEM) key, it wins over the path.
	PrivateKey string `mapstructure:"private_key"`

	AccessTokenTTL       time.Duration `mapstructure:"access_token_ttl" validate:"gt=0"`
	RefreshTokenTTL      time.Duration `mapstructure:"refresh_token_ttl" validate:"gtfield=AccessTokenTTL"`
	MaxFailedAttempts    int           `mapstructure:"max_failed_attempts" validate:"gte=1"`
	LockoutDuration      time.Duration `mapstructure:"lockout_duration" validate:"gt=0"`
	RequireVerifiedEmail bool          `mapstructure:"require_verified_email"`
	EmailVerificationTTL time.Duration `mapstructure:"email_verification_ttl" validate:"gt=0"`
	PasswordResetTTL     time.Duration `mapstructure:"password_reset_ttl" validate:"gt=0"`
	RetentionSchedule    string        `mapstructure:"retention_schedule" validate:"required"`

	Database Database `mapstructure:"database"`
	Server   Server   `mapstructure:"server"`
	Log      Log      `mapstructure:"log"`
	SendGrid SendGrid `mapstructure:"sendgrid"`
}

// Database feeds the persistence client. Debug logs every query.
type Database struct {
	Driver         string        `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN            string        `mapstructure:"dsn" validate:"required"`
	Debug          bool          `mapstructure:"debug"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout" validate:"gte=0"`
	OtelIdentifier string        `mapstructure:"otel_identifier"`
}

func (d Database) GetDebug() bool            { return d.Debug }
func (d Database) GetDriver() string         { return d.Driver }
func (d Database) GetServer() string         { return d.DSN }
func (d Database) GetOtelIdentifier() string { return d.OtelIdentifier }

func (d Database) GetPingTimeout() time.Duration {
	if d.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return d.PingTimeout
}

type Server struct {
	OpsAddress      string        `mapstructure:"ops_address" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// SendGrid is optional; an empty APIKey selects the log notifier.
type SendGrid struct {
	APIKey           string `mapstructure:"api_key"`
	FromName         string `mapstructure:"from_name"`
	FromEmail        string `mapstructure:"from_email" validate:"omitempty,email"`
	VerifyEmailURL   string `mapstructure:"verify_email_url" validate:"omitempty,url"`
	ResetPasswordURL string `mapstructure:"reset_password_url" validate:"omitempty,url"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("issuer", "go-auth-tokens")
	v.SetDefault("audience", "go-auth-tokens")
	v.SetDefault("signing_key_id", "")
	v.SetDefault("private_key_path", "")
	v.SetDefault("private_key", "")
	v.SetDefault("access_token_ttl", "15m")
	v.SetDefault("refresh_token_ttl", "168h")
	v.SetDefault("max_failed_attempts", 5)
	v.SetDefault("lockout_duration", "15m")
	v.SetDefault("require_verified_email", true)
	v.SetDefault("email_verification_ttl", "24h")
	v.SetDefault("password_reset_ttl", "1h")
	v.SetDefault("retention_schedule", "5 3 * * *")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:authd.db?cache=shared")
	v.SetDefault("database.debug", false)
	v.SetDefault("database.ping_timeout", "5s")
	v.SetDefault("database.otel_identifier", "")

	v.SetDefault("server.ops_address", ":9090")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("sendgrid.api_key", "")
	v.SetDefault("sendgrid.from_name", "")
	v.SetDefault("sendgrid.from_email", "")
	v.SetDefault("sendgrid.verify_email_url", "")
	v.SetDefault("sendgrid.reset_password_url", "")
}

// Load reads path, or authd.yaml from the working directory and
// /etc/authd when path is empty. AUTH_ prefixed environment variables
// override file values, nested keys use underscores (AUTH_DATABASE_DSN).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("authd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/authd/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// HasSigningKey reports whether a private key is configured.
func (c *Config) HasSigningKey() bool {
	return c.PrivateKey != "" || c.PrivateKeyPath != ""
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SendGrid.APIKey != "" && c.SendGrid.FromEmail == "" {
		return errors.New("invalid config: sendgrid.from_email is required with an api key")
	}
	return nil
}

// String renders the config with secrets masked.
func (c Config) String() string {
	if c.PrivateKey != "" {
		c.PrivateKey = "****"
	}
	if c.SendGrid.APIKey != "" {
		c.SendGrid.APIKey = "****"
	}
	return print.MaybePrettyJSON(c)
}

func (c *Config) GetIssuer() string                      { return c.Issuer }
func (c *Config) GetAudience() string                    { return c.Audience }
func (c *Config) GetSigningKeyID() string                { return c.SigningKeyID }
func (c *Config) GetAccessTokenTTL() time.Duration       { return c.AccessTokenTTL }
func (c *Config) GetRefreshTokenTTL() time.Duration      { return c.RefreshTokenTTL }
func (c *Config) GetMaxFailedAttempts() int              { return c.MaxFailedAttempts }
func (c *Config) GetLockoutDuration() time.Duration      { return c.LockoutDuration }
func (c *Config) GetRequireVerifiedEmail() bool          { return c.RequireVerifiedEmail }
func (c *Config) GetEmailVerificationTTL() time.Duration { return c.EmailVerificationTTL }
func (c *Config) GetPasswordResetTTL() time.Duration     { return c.PasswordResetTTL }
