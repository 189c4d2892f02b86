package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"server"`

	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	Executor struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"executor"`

	Auth struct {
		IssuerURL    string `mapstructure:"issuer_url"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"auth"`

	// Retry is the default per-phase retry policy loaded into the phase
	// sequence registry. It is tunable policy, not code.
	Retry struct {
		MaxAttempts       int           `mapstructure:"max_attempts"`
		InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
		BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
		MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"retry"`

	Sweeper struct {
		HoursThreshold int `mapstructure:"hours_threshold"`
	} `mapstructure:"sweeper"`

	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// DatabaseURL assembles a pgx connection string from the DB section.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("environment", "DEV")
	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.initial_backoff", 2*time.Second)
	viper.SetDefault("retry.backoff_multiplier", 2.0)
	viper.SetDefault("retry.max_backoff", 5*time.Minute)
	viper.SetDefault("sweeper.hours_threshold", 6)

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine; everything can come from the environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.IssuerURL = normalizeIssuer(config.Auth.IssuerURL)
	return &config, nil
}

// normalizeIssuer puts the OIDC issuer string in a predictable form so users
// can paste the full URL from the identity provider's admin console.
func normalizeIssuer(input string) string {
	iss := strings.TrimSpace(input)
	return strings.TrimRight(iss, "/")
}
