package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// _configEnvVar selects the optional YAML config file; _envPrefix namespaces
// the environment overrides (LECTERN_GOOGLE_RATE_REFILL=2, etc).
const (
	_configEnvVar = "LECTERN_CONFIG"
	_envPrefix    = "LECTERN_"
)

// Config holds every tunable outside the CLI flags: resilience budgets,
// cache TTLs, cron specs. Secrets and addresses stay on the CLI/env via kong.
type Config struct {
	Resolver  ResolverConfig  `koanf:"resolver"`
	Cover     CoverConfig     `koanf:"cover"`
	Scheduler SchedulerConfig `koanf:"scheduler"`

	Google      ProviderConfig `koanf:"google"`
	OpenLibrary ProviderConfig `koanf:"openlibrary"`
	Longitood   ProviderConfig `koanf:"longitood"`
	NYT         ProviderConfig `koanf:"nyt"`

	// SearchRefreshQuiet is the debounce window for search-index refreshes
	// after write bursts.
	SearchRefreshQuiet time.Duration `koanf:"search_refresh_quiet" validate:"gt=0"`

	// SitemapKey overrides the object key for sitemap snapshots.
	SitemapKey string `koanf:"sitemap_key"`
}

func defaultConfig() *Config {
	return &Config{
		Resolver:           DefaultResolverConfig(),
		Cover:              DefaultCoverConfig(),
		Scheduler:          DefaultSchedulerConfig(),
		Google:             DefaultProviderConfig(),
		OpenLibrary:        DefaultProviderConfig(),
		Longitood:          DefaultProviderConfig(),
		NYT:                DefaultProviderConfig(),
		SearchRefreshQuiet: 30 * time.Second,
	}
}

// LoadConfig layers defaults, the optional YAML file, and LECTERN_* env
// overrides, then validates the result.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := os.Getenv(_configEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// LECTERN_RESOLVER_NEGATIVE_TTL=5m → resolver.negative_ttl;
	// LECTERN_GOOGLE_BREAKER_RATE_OPEN_FOR=30m → google.breaker.rate_open_for.
	envProvider := env.Provider(_envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, _envPrefix))
		section, rest, ok := strings.Cut(s, "_")
		if !ok {
			return s
		}
		switch section {
		case "resolver", "cover", "scheduler":
			return section + "." + rest
		case "google", "openlibrary", "longitood", "nyt":
			// Provider sections nest one level deeper (rate/breaker/retry).
			if sub, key, ok := strings.Cut(rest, "_"); ok {
				return section + "." + sub + "." + key
			}
			return section + "." + rest
		}
		return s // Top-level keys keep their underscores.
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
