// Package config loads the runtime configuration for the extension system.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// HostVersion is the RecallKit application version extensions are checked
// against.
const HostVersion = "1.4.0"

// Config is the full runtime configuration, loaded from recallkit.toml.
type Config struct {
	Extensions   Extensions   `toml:"extensions"`
	Security     Security     `toml:"security"`
	Dependencies Dependencies `toml:"dependencies"`
	Marketplace  Marketplace  `toml:"marketplace"`
	Log          Log          `toml:"log"`
}

// Extensions configures discovery and hot-swap.
type Extensions struct {
	// Root holds the official/, community/, local/ and development/
	// category directories plus lib/ and settings.json.
	Root string `toml:"root"`

	// Debounce is the quiet period before pending hot-swap operations run.
	Debounce string `toml:"debounce"`

	// HookTimeout bounds extension init/cleanup hooks.
	HookTimeout string `toml:"hook_timeout"`

	// ChunkCacheSize caps the compiled entry-point cache.
	ChunkCacheSize int `toml:"chunk_cache_size"`

	// Watch enables the hot-swap controller.
	Watch bool `toml:"watch"`
}

// Security configures the source scanner.
type Security struct {
	// Strict escalates every scan warning to a load-blocking error.
	Strict bool `toml:"strict"`

	// StrictMarketplace applies strict scanning to marketplace and
	// community installs even when Strict is off.
	StrictMarketplace bool `toml:"strict_marketplace"`
}

// Dependencies configures conflict resolution and installation.
type Dependencies struct {
	// Strategy is one of fail, upgrade, downgrade, skip, user-choice.
	Strategy string `toml:"strategy"`

	// AutoInstallOptional installs optional dependencies too.
	AutoInstallOptional bool `toml:"auto_install_optional"`
}

// Marketplace configures the registry client.
type Marketplace struct {
	URL string `toml:"url"`
}

// Log configures logging output.
type Log struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	root := "extensions"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".recallkit", "extensions")
	}
	return &Config{
		Extensions: Extensions{
			Root:           root,
			Debounce:       "2s",
			HookTimeout:    "5s",
			ChunkCacheSize: 64,
			Watch:          true,
		},
		Security: Security{
			Strict:            false,
			StrictMarketplace: true,
		},
		Dependencies: Dependencies{
			Strategy:            "user-choice",
			AutoInstallOptional: false,
		},
		Marketplace: Marketplace{
			URL: "https://market.recallkit.dev",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error; malformed TOML is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies the environment overrides main loads via .env.
func (c *Config) applyEnv() {
	if v := os.Getenv("RECALLKIT_MARKETPLACE_URL"); v != "" {
		c.Marketplace.URL = v
	}
	if v := os.Getenv("RECALLKIT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RECALLKIT_EXTENSIONS_ROOT"); v != "" {
		c.Extensions.Root = v
	}
}

func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.Extensions.Debounce); err != nil {
		return fmt.Errorf("extensions.debounce: %w", err)
	}
	if _, err := time.ParseDuration(c.Extensions.HookTimeout); err != nil {
		return fmt.Errorf("extensions.hook_timeout: %w", err)
	}
	return nil
}

// DebounceInterval returns the parsed debounce duration.
func (c *Config) DebounceInterval() time.Duration {
	d, err := time.ParseDuration(c.Extensions.Debounce)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// HookTimeout returns the parsed hook timeout.
func (c *Config) HookTimeout() time.Duration {
	d, err := time.ParseDuration(c.Extensions.HookTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
