package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultBackendURL is where the WhosApp model listens in a local setup.
const DefaultBackendURL = "http://localhost:5000/WhosApp"

// Config represents the complete relay configuration
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Backend BackendConfig `yaml:"backend"`
	DNS     DNSConfig     `yaml:"dns"`
	Log     LogConfig     `yaml:"log"`
}

// HTTPConfig from YAML
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// BackendConfig from YAML
type BackendConfig struct {
	URL string `yaml:"url"`
	// Timeout is handed to the http.Client; zero leaves the transport default.
	Timeout Duration `yaml:"timeout"`
}

// DNSConfig from YAML
type DNSConfig struct {
	Port int    `yaml:"port"`
	Zone string `yaml:"zone"`
}

// LogConfig from YAML
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration so YAML can carry "30s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Addr: ":3000"},
		Backend: BackendConfig{URL: DefaultBackendURL},
		DNS:     DNSConfig{Port: 0, Zone: "whos.app."},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and WHOSAPP_* environment variables, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			if !os.IsNotExist(errors.Cause(err)) {
				return nil, errors.Wrapf(err, "failed to load %s", path)
			}
		}
	}

	expandEnvVars(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAMLFile loads a YAML file into a structure
func loadYAMLFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	return yaml.Unmarshal(data, v)
}

// expandEnvVars expands environment variables in configuration
func expandEnvVars(cfg *Config) {
	cfg.HTTP.Addr = expandEnv(cfg.HTTP.Addr)
	cfg.Backend.URL = expandEnv(cfg.Backend.URL)
	cfg.DNS.Zone = expandEnv(cfg.DNS.Zone)
}

// expandEnv expands environment variables in a string
func expandEnv(s string) string {
	if strings.Contains(s, "${") {
		return os.Expand(s, func(key string) string {
			// Handle default values like ${VAR:-default}
			parts := strings.SplitN(key, ":-", 2)
			value := os.Getenv(parts[0])
			if value == "" && len(parts) > 1 {
				return parts[1]
			}
			return value
		})
	}
	return s
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("WHOSAPP_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("WHOSAPP_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("WHOSAPP_BACKEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "WHOSAPP_BACKEND_TIMEOUT")
		}
		cfg.Backend.Timeout = Duration(d)
	}
	if v := os.Getenv("WHOSAPP_DNS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "WHOSAPP_DNS_PORT")
		}
		cfg.DNS.Port = port
	}
	if v := os.Getenv("WHOSAPP_DNS_ZONE"); v != "" {
		cfg.DNS.Zone = v
	}
	if v := os.Getenv("WHOSAPP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WHOSAPP_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// Validate checks the values the server cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	if _, err := c.BackendURL(); err != nil {
		return err
	}
	if c.Backend.Timeout < 0 {
		return errors.Errorf("backend.timeout must not be negative, got %s", time.Duration(c.Backend.Timeout))
	}
	if c.DNS.Port < 0 || c.DNS.Port > 65535 {
		return errors.Errorf("dns.port out of range: %d", c.DNS.Port)
	}
	if c.DNS.Port > 0 && strings.Trim(c.DNS.Zone, ".") == "" {
		return errors.New("dns.zone is required when dns.port is set")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// BackendURL parses and checks the analysis backend address.
func (c *Config) BackendURL() (*url.URL, error) {
	raw := strings.TrimSpace(c.Backend.URL)
	if raw == "" {
		return nil, errors.New("backend.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid backend.url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("backend.url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("backend.url must include a host")
	}
	return u, nil
}

// Redacted returns a copy that is safe to print or expose on /health.
func (c *Config) Redacted() *Config {
	out := *c
	if u, err := url.Parse(c.Backend.URL); err == nil {
		out.Backend.URL = u.Redacted()
	}
	return &out
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
