// Package config resolves the client's settings. Every setting is taken from,
// in order of priority, a command-line flag, an environment variable, the
// TOML config file and a built-in default.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/novabot/novabot-cli/store"
)

// Defaults.
const (
	DefaultAPIBase     = "http://localhost:8000"
	DefaultAPIVersion  = "/api"
	DefaultProvider    = "gemini"
	DefaultTemperature = 0.7
)

// Flags carries raw flag values; empty means "not set".
type Flags struct {
	APIBase     string
	APIVersion  string
	Store       string
	StorePath   string
	RateLimit   string
	Provider    string
	Model       string
	Temperature string
	ConfigFile  string
}

// File is the layout of config.toml.
type File struct {
	API struct {
		Base      string   `toml:"base"`
		Version   string   `toml:"version"`
		RateLimit *float64 `toml:"rate_limit"`
	} `toml:"api"`
	Store struct {
		Backend string `toml:"backend"`
		Path    string `toml:"path"`
	} `toml:"store"`
	AI struct {
		Provider    string   `toml:"provider"`
		Model       string   `toml:"model"`
		Temperature *float64 `toml:"temperature"`
	} `toml:"ai"`
}

// AI holds the model selection sent with chat and finalize requests.
type AI struct {
	Provider    string
	Model       string
	Temperature float64
}

// Config is the resolved configuration. It is not modified after Load.
type Config struct {
	APIBase      string
	APIVersion   string
	StoreBackend string
	StorePath    string
	RateLimit    float64
	AI           AI

	// ConfigFile is the TOML file that was read, or "".
	ConfigFile string
}

// Load resolves the configuration from flags, the environment and the
// config file.
func Load(flags Flags) (*Config, error) {
	file, path, err := loadFile(flags.ConfigFile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{ConfigFile: path}

	cfg.APIBase = getConfig(flags.APIBase, "NOVABOT_API_BASE",
		getEnv("EXPO_PUBLIC_API_BASE", orDefault(file.API.Base, DefaultAPIBase)))
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if err := validateServerURL(cfg.APIBase); err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	cfg.APIVersion = normalizeVersion(getConfig(flags.APIVersion, "NOVABOT_API_VERSION",
		getEnv("EXPO_PUBLIC_API_VERSION", orDefault(file.API.Version, DefaultAPIVersion))))

	cfg.StoreBackend = getConfig(flags.Store, "NOVABOT_STORE", orDefault(file.Store.Backend, store.BackendFile))
	switch cfg.StoreBackend {
	case store.BackendFile, store.BackendSQLite:
	default:
		return nil, fmt.Errorf("unknown store backend %q (want %s or %s)",
			cfg.StoreBackend, store.BackendFile, store.BackendSQLite)
	}

	cfg.StorePath = getConfig(flags.StorePath, "NOVABOT_STORE_PATH", file.Store.Path)
	if cfg.StorePath == "" {
		if cfg.StorePath, err = store.DefaultPath(cfg.StoreBackend); err != nil {
			return nil, err
		}
	}
	cfg.StorePath = expandHome(cfg.StorePath)

	rateLimit := getConfig(flags.RateLimit, "NOVABOT_RATE_LIMIT", formatFloat(file.API.RateLimit, 0))
	if cfg.RateLimit, err = strconv.ParseFloat(rateLimit, 64); err != nil || cfg.RateLimit < 0 {
		return nil, fmt.Errorf("invalid rate limit %q: must be a non-negative number", rateLimit)
	}

	cfg.AI.Provider = getConfig(flags.Provider, "NOVABOT_AI_PROVIDER",
		getEnv("EXPO_PUBLIC_AI_PROVIDER", orDefault(file.AI.Provider, DefaultProvider)))
	cfg.AI.Model = getConfig(flags.Model, "NOVABOT_AI_MODEL",
		getEnv("EXPO_PUBLIC_AI_MODEL", file.AI.Model))

	temperature := getConfig(flags.Temperature, "NOVABOT_AI_TEMPERATURE",
		getEnv("EXPO_PUBLIC_AI_TEMPERATURE", formatFloat(file.AI.Temperature, DefaultTemperature)))
	if cfg.AI.Temperature, err = strconv.ParseFloat(temperature, 64); err != nil ||
		cfg.AI.Temperature < 0 || cfg.AI.Temperature > 2 {
		return nil, fmt.Errorf("invalid temperature %q: must be between 0 and 2", temperature)
	}

	return cfg, nil
}

// APIRoot is the URL every endpoint is relative to, e.g.
// "http://localhost:8000/api/".
func (c *Config) APIRoot() string {
	return c.APIBase + c.APIVersion + "/"
}

// Insecure reports whether tokens travel over plain HTTP.
func (c *Config) Insecure() bool {
	return strings.HasPrefix(strings.ToLower(c.APIBase), "http://")
}

// WarnInsecure prints the plain-HTTP warning to w when it applies.
func (c *Config) WarnInsecure(w io.Writer) {
	if !c.Insecure() {
		return
	}
	fmt.Fprintln(w, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
	fmt.Fprintln(w, "⚠️  This is only safe for local development. Use HTTPS in production.")
	fmt.Fprintln(w)
}

// loadFile reads the TOML config. An explicitly named file must exist; the
// default one is optional.
func loadFile(flagPath string) (*File, string, error) {
	var file File

	path := getConfig(flagPath, "NOVABOT_CONFIG", "")
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return &file, "", nil
		}
		path = filepath.Join(home, ".novabot", "config.toml")
	}
	path = expandHome(path)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return &file, "", nil
		}
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, "", fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return &file, path, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func orDefault(value, defaultValue string) string {
	if value != "" {
		return value
	}
	return defaultValue
}

func formatFloat(v *float64, defaultValue float64) string {
	if v == nil {
		return strconv.FormatFloat(defaultValue, 'f', -1, 64)
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// normalizeVersion turns "api/v1/" into "/api/v1". "" and "/" mean no prefix.
func normalizeVersion(v string) string {
	v = strings.Trim(strings.TrimSpace(v), "/")
	if v == "" {
		return ""
	}
	return "/" + v
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
