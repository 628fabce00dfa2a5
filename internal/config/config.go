// Package config provides Viper-based configuration loading for the multiworld server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PublicConfig holds the public, TLS-upgraded session endpoint.
type PublicConfig struct {
	// Enabled toggles the public listener.
	Enabled bool `mapstructure:"enabled"`
	// Host is the bind address for the public listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the public listener.
	Port int `mapstructure:"port"`
	// CertFile is the PEM certificate chain presented after an Encrypt request.
	CertFile string `mapstructure:"cert_file"`
	// KeyFile is the PEM private key for CertFile.
	KeyFile string `mapstructure:"key_file"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (p PublicConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// CustomConfig holds the plain (unencrypted) session endpoint used by private deployments.
type CustomConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (c CustomConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CompanionConfig holds the loopback endpoint for emulator-side plugins.
type CompanionConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (c CompanionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NetworkConfig holds per-connection timeouts and buffering.
type NetworkConfig struct {
	// HandshakeTimeout bounds each I/O step of the version/encryption handshake.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// ReadTimeout is the steady-state per-read timeout; zero waits indefinitely.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds each outbound message write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// OutboxSize is the number of messages that may be queued for one client.
	OutboxSize int `mapstructure:"outbox_size"`
}

// RoomConfig holds item routing settings shared by all rooms.
type RoomConfig struct {
	// SharedItemKinds lists item kinds delivered to every world except the finder's.
	SharedItemKinds []uint16 `mapstructure:"shared_item_kinds"`
}

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Public    PublicConfig    `mapstructure:"public"`
	Custom    CustomConfig    `mapstructure:"custom"`
	Companion CompanionConfig `mapstructure:"companion"`
	Network   NetworkConfig   `mapstructure:"network"`
	Room      RoomConfig      `mapstructure:"room"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validatePublic(c.Public); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateCustom(c.Custom); err != nil {
		errs = append(errs, err.Error())
	}
	if !c.Public.Enabled && !c.Custom.Enabled {
		errs = append(errs, "at least one of public.enabled and custom.enabled must be true")
	}
	if err := validatePort("companion.port", c.Companion.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateNetwork(c.Network); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be 0-65535, got %d", key, port)
	}
	return nil
}

func validatePublic(p PublicConfig) error {
	if !p.Enabled {
		return nil
	}
	var errs []string
	if err := validatePort("public.port", p.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if p.CertFile == "" {
		errs = append(errs, "public.cert_file must not be empty")
	}
	if p.KeyFile == "" {
		errs = append(errs, "public.key_file must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCustom(c CustomConfig) error {
	if !c.Enabled {
		return nil
	}
	return validatePort("custom.port", c.Port)
}

func validateNetwork(n NetworkConfig) error {
	var errs []string
	if n.HandshakeTimeout <= 0 {
		errs = append(errs, "network.handshake_timeout must be positive")
	}
	if n.ReadTimeout < 0 {
		errs = append(errs, "network.read_timeout must not be negative")
	}
	if n.WriteTimeout <= 0 {
		errs = append(errs, "network.write_timeout must be positive")
	}
	if n.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("network.outbox_size must be >= 1, got %d", n.OutboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	if a.GRPCHost == "" {
		return errors.New("admin.grpc_host must not be empty")
	}
	return validatePort("admin.grpc_port", a.GRPCPort)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with MULTIWORLD_ prefix
	v.SetEnvPrefix("MULTIWORLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// Default returns the built-in configuration, used when no file is given.
//
// Postcondition: Returns a Config that passes Validate.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := LoadFromViper(v)
	if err != nil {
		panic(fmt.Sprintf("built-in defaults are invalid: %v", err))
	}
	return cfg
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("public.enabled", false)
	v.SetDefault("public.host", "0.0.0.0")
	v.SetDefault("public.port", 24809)

	v.SetDefault("custom.enabled", true)
	v.SetDefault("custom.host", "0.0.0.0")
	v.SetDefault("custom.port", 24809)

	v.SetDefault("companion.host", "127.0.0.1")
	v.SetDefault("companion.port", 24818)

	v.SetDefault("network.handshake_timeout", "30s")
	v.SetDefault("network.read_timeout", "0s")
	v.SetDefault("network.write_timeout", "30s")
	v.SetDefault("network.outbox_size", 256)

	v.SetDefault("room.shared_item_kinds", []uint16{0xca})

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 24810)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
