// Package config loads the ambient configuration for cmd/rpcgatewayd:
// a YAML/TOML file plus environment overrides via spf13/viper, with
// fsnotify-driven hot-reload of the endpoint list.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/rarara59/relayrpc/internal/domain"
)

const envPrefix = "RPCGATEWAYD"

const reloadDebounce = 500 * time.Millisecond

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// Load reads config.{yaml,toml} from the current directory and
// "./config", overlays RPCGATEWAYD_* environment variables, and decodes
// into a Config seeded with DefaultConfig's values. If onChange is
// non-nil, it is invoked (debounced) with the freshly reloaded Config
// whenever the backing file changes.
func Load(onChange func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if onChange != nil {
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()
			now := time.Now()
			if now.Sub(lastReload) < reloadDebounce {
				return
			}
			lastReload = now

			reloaded := DefaultConfig()
			if err := viper.Unmarshal(reloaded); err != nil {
				return
			}
			onChange(reloaded)
		})
	}

	return cfg, nil
}

// ToEndpoints converts the configured endpoint list into domain.Endpoint
// values. The first entry with an unparsable URL aborts the conversion
// and its error is returned.
func (c *Config) ToEndpoints() ([]*domain.Endpoint, error) {
	out := make([]*domain.Endpoint, 0, len(c.Endpoints))
	for _, ec := range c.Endpoints {
		e, err := domain.NewEndpoint(ec.URL, ec.Header)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ec.URL, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// MethodSet converts a slice of method names into the map form the
// batch and hedge managers key their whitelists by.
func MethodSet(methods []string) map[string]bool {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return set
}
