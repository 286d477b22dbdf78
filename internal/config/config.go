package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSecretLength mirrors the codec's HS512 key requirement.
const MinSecretLength = 64

// Config is the runtime configuration of the API process.
type Config struct {
	Server struct {
		HTTPAddr string `mapstructure:"http_addr"`
		GRPCAddr string `mapstructure:"grpc_addr"`
		Version  string `mapstructure:"version"`
	} `mapstructure:"server"`

	Auth struct {
		Secret         string        `mapstructure:"secret"`
		AccessTTL      time.Duration `mapstructure:"access_ttl"`
		RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
		StreamTTL      time.Duration `mapstructure:"stream_ttl"`
		Leeway         time.Duration `mapstructure:"leeway"`
		CookieSecure   bool          `mapstructure:"cookie_secure"`
		CookieSameSite string        `mapstructure:"cookie_same_site"` // Strict|Lax|None
	} `mapstructure:"auth"`

	Database struct {
		DSN string `mapstructure:"dsn"` // empty: in-memory stores
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text|json
	} `mapstructure:"logs"`

	RateLimit struct {
		SignInBurst     int      `mapstructure:"signin_burst"`
		SignInPerSecond int      `mapstructure:"signin_per_second"`
		TrustedProxies  []string `mapstructure:"trusted_proxies"` // CIDRs or addresses allowed to set X-Forwarded-For
	} `mapstructure:"ratelimit"`

	Chat struct {
		EnforceExpiry  bool     `mapstructure:"enforce_expiry"`
		OriginPatterns []string `mapstructure:"origin_patterns"`
	} `mapstructure:"chat"`
}

// Load reads configuration from OURHOUR_* environment variables and an
// optional YAML file, on top of defaults.
func Load() (*Config, error) {
	return load(viper.New())
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("OURHOUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.version", "dev")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access_ttl", "30m")
	v.SetDefault("auth.refresh_ttl", "336h")
	v.SetDefault("auth.stream_ttl", "5m")
	v.SetDefault("auth.leeway", "0s")
	v.SetDefault("auth.cookie_secure", true)
	v.SetDefault("auth.cookie_same_site", "None")

	v.SetDefault("database.dsn", "")

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "json")

	v.SetDefault("ratelimit.signin_burst", 10)
	v.SetDefault("ratelimit.signin_per_second", 5)
	v.SetDefault("ratelimit.trusted_proxies", []string{})

	v.SetDefault("chat.enforce_expiry", false)
	v.SetDefault("chat.origin_patterns", []string{})

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "ourhour"))
		}
		v.AddConfigPath("/etc/ourhour")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(c *Config) error {
	if len(c.Auth.Secret) < MinSecretLength {
		return fmt.Errorf("auth.secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 || c.Auth.StreamTTL <= 0 {
		return errors.New("auth ttls must be positive")
	}
	if c.Auth.Leeway < 0 {
		return errors.New("auth.leeway must not be negative")
	}
	switch strings.ToLower(c.Auth.CookieSameSite) {
	case "strict", "lax", "none":
	default:
		return fmt.Errorf("auth.cookie_same_site %q is not one of Strict, Lax, None", c.Auth.CookieSameSite)
	}
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr must not be empty")
	}
	if c.RateLimit.SignInBurst <= 0 || c.RateLimit.SignInPerSecond <= 0 {
		return errors.New("ratelimit values must be positive")
	}
	for _, p := range c.RateLimit.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("ratelimit.trusted_proxies entry %q is not an address or CIDR", p)
		}
	}
	return nil
}
