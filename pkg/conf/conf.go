// Package conf loads and persists the small amount of state the bridge
// keeps across runs: server binding, logging level, and the last
// peripheral it talked to.
package conf

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the persisted configuration. Durations are stored as seconds
// so the file stays hand-editable.
type Config struct {
	LogLevel    string   `yaml:"log_level"`
	ServerHost  string   `yaml:"server_host"`
	ServerPort  int      `yaml:"server_port"`
	CORSOrigins []string `yaml:"server_cors_origins"`
	StaticDir   string   `yaml:"server_static_dir"`

	LastDeviceAddr    string  `yaml:"last_device_address"`
	DiscoverDelaySecs float64 `yaml:"device_discover_delay"`
	RetryIntervalSecs float64 `yaml:"conn_retry_interval"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		LogLevel:          "info",
		ServerHost:        "127.0.0.1",
		ServerPort:        11642,
		CORSOrigins:       []string{"*"},
		DiscoverDelaySecs: 3,
		RetryIntervalSecs: 1,
	}
}

// DiscoverDelay returns the device discovery window.
func (c Config) DiscoverDelay() time.Duration {
	return time.Duration(c.DiscoverDelaySecs * float64(time.Second))
}

// RetryInterval returns the pause between reconnect attempts.
func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSecs * float64(time.Second))
}

// Load reads the configuration at path. A missing file is not an error:
// defaults are written there and returned, so the first run leaves a file
// the user can edit.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Save writes the configuration back to path.
func (c Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0o644), "write config %s", path)
}
