// Package config loads and validates the exporter configuration and builds
// the process logger from it.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the validated exporter configuration.
type Config struct {
	// I2PControlAddress is the upstream endpoint without the /jsonrpc suffix.
	I2PControlAddress  string
	I2PControlPassword string
	// TLSInsecure accepts invalid upstream certificates regardless of host.
	TLSInsecure bool

	ListenAddr string

	// MaxScrapeTimeout is the hard cap for the header-derived scrape budget.
	MaxScrapeTimeout time.Duration

	LogLevel  string
	LogFormat string
	// DebugRPC enables logging of redacted JSON-RPC request bodies.
	DebugRPC bool

	// ConfigFile is the file the configuration was read from, empty when
	// running on defaults and environment variables only.
	ConfigFile string
}

// Load reads configuration from an optional config file and environment
// variables, applies defaults, and validates the result. An empty configPath
// searches the standard locations; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("i2pcontrol.address", "https://127.0.0.1:7650")
	v.SetDefault("i2pcontrol.password", "itoopie")
	v.SetDefault("i2pcontrol.tls_insecure", false)
	v.SetDefault("metrics.listen_addr", "0.0.0.0:9600")
	v.SetDefault("scrape.max_timeout", "120s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.debug_rpc", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("i2pcontrol-exporter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/i2pcontrol-exporter")
	}

	// Environment variable support: I2PCONTROL_ADDRESS, METRICS_LISTEN_ADDR, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Older deployments set the cap as MAX_SCRAPE_TIMEOUT_SECONDS, an
	// integer second count. Honored unless the current variable is also set.
	if legacy := os.Getenv("MAX_SCRAPE_TIMEOUT_SECONDS"); legacy != "" && os.Getenv("SCRAPE_MAX_TIMEOUT") == "" {
		secs, err := strconv.Atoi(legacy)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SCRAPE_TIMEOUT_SECONDS %q: %w", legacy, err)
		}
		v.Set("scrape.max_timeout", time.Duration(secs)*time.Second)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	cfg := &Config{
		I2PControlAddress:  v.GetString("i2pcontrol.address"),
		I2PControlPassword: v.GetString("i2pcontrol.password"),
		TLSInsecure:        v.GetBool("i2pcontrol.tls_insecure"),
		ListenAddr:         v.GetString("metrics.listen_addr"),
		MaxScrapeTimeout:   v.GetDuration("scrape.max_timeout"),
		LogLevel:           v.GetString("logging.level"),
		LogFormat:          v.GetString("logging.format"),
		DebugRPC:           v.GetBool("logging.debug_rpc"),
		ConfigFile:         v.ConfigFileUsed(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid metrics.listen_addr %q: %w (expected host:port)", c.ListenAddr, err)
	}

	u, err := url.Parse(c.I2PControlAddress)
	if err != nil {
		return fmt.Errorf("invalid i2pcontrol.address %q: %w", c.I2PControlAddress, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid i2pcontrol.address %q: scheme must be http or https", c.I2PControlAddress)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid i2pcontrol.address %q: missing host", c.I2PControlAddress)
	}

	if c.MaxScrapeTimeout <= 0 {
		return fmt.Errorf("scrape.max_timeout must be positive, got %s", c.MaxScrapeTimeout)
	}
	return nil
}

// TargetIsLoopback reports whether the upstream host is localhost or a
// loopback IP address.
func (c *Config) TargetIsLoopback() bool {
	u, err := url.Parse(c.I2PControlAddress)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AllowInsecureTLS reports whether the upstream HTTP client may accept
// invalid certificates: either configured explicitly, or the target is
// loopback. i2pd serves I2PControl with a self-signed certificate on
// 127.0.0.1 out of the box, so requiring a valid chain there would make the
// default setup unusable.
func (c *Config) AllowInsecureTLS() bool {
	return c.TLSInsecure || c.TargetIsLoopback()
}
