// Package config loads the chaincode settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// chaincode-as-a-service
	ChaincodeID      string   `mapstructure:"CHAINCODE_ID"`
	ChaincodeAddress string   `mapstructure:"CHAINCODE_SERVER_ADDRESS"`
	TLSDisabled      bool     `mapstructure:"CHAINCODE_TLS_DISABLED"`
	TLSKeyFile       string   `mapstructure:"CHAINCODE_TLS_KEY_FILE"`
	TLSCertFile      string   `mapstructure:"CHAINCODE_TLS_CERT_FILE"`
	ClientCACertFile string   `mapstructure:"CHAINCODE_CLIENT_CA_CERT_FILE"`
	AllowedMSPs      []string `mapstructure:"ALLOWED_MSPS"`

	// devnet
	LedgerPath  string `mapstructure:"LEDGER_PATH"`
	LocalMSPID  string `mapstructure:"LOCAL_MSP_ID"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RedisStream string `mapstructure:"REDIS_STREAM"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "LOG_FORMAT",
	"CHAINCODE_ID", "CHAINCODE_SERVER_ADDRESS", "CHAINCODE_TLS_DISABLED",
	"CHAINCODE_TLS_KEY_FILE", "CHAINCODE_TLS_CERT_FILE", "CHAINCODE_CLIENT_CA_CERT_FILE",
	"ALLOWED_MSPS", "LEDGER_PATH", "LOCAL_MSP_ID", "REDIS_URL", "REDIS_STREAM",
}

// Load reads the configuration from the environment, falling back to a .env
// file in the working directory when present
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CHAINCODE_SERVER_ADDRESS", "0.0.0.0:9999")
	v.SetDefault("CHAINCODE_TLS_DISABLED", false)
	v.SetDefault("LEDGER_PATH", "./data/ledger")
	v.SetDefault("LOCAL_MSP_ID", "Org1MSP")
	v.SetDefault("REDIS_STREAM", "careledger:events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// Try reading .env file, but don't fail if missing
	if _, err := os.Stat(".env"); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AllowedMSPs = splitList(v.GetString("ALLOWED_MSPS"))
	return cfg, nil
}

// Validate checks the settings every command uses
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q, expected json or console", c.LogFormat)
	}
	return nil
}

// ValidateServer checks the settings needed by the chaincode server
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ChaincodeID == "" {
		return fmt.Errorf("CHAINCODE_ID is required")
	}
	if c.ChaincodeAddress == "" {
		return fmt.Errorf("CHAINCODE_SERVER_ADDRESS is required")
	}
	if !c.TLSDisabled && (c.TLSKeyFile == "" || c.TLSCertFile == "") {
		return fmt.Errorf("CHAINCODE_TLS_KEY_FILE and CHAINCODE_TLS_CERT_FILE are required unless CHAINCODE_TLS_DISABLED is set")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Logger builds the process logger. Without LOG_FORMAT, development logs
// are human readable and everything else is JSON.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.LogFormat == "console" || (c.LogFormat == "" && c.IsDev()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
