package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/quenlab/qce/errors"
)

// Load reads the exporter configuration from the per-user profile directory
// (<home>/.qq-chat-exporter/config.toml) with QCE_* environment overrides.
// A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(DefaultStorageRoot())
	v.SetEnvPrefix("QCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", configPath)
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// validate rejects configurations that cannot work at all.
func (c *Config) validate() error {
	if !filepath.IsAbs(c.Storage.Root) && c.Storage.Root != ".qq-chat-exporter" {
		abs, err := filepath.Abs(c.Storage.Root)
		if err != nil {
			return errors.NewInvalidRequestError("storage root %q is not a usable path", c.Storage.Root)
		}
		c.Storage.Root = abs
	}
	if c.Resource.MaxConcurrentDownloads > 64 {
		return errors.NewInvalidRequestError("max_concurrent_downloads %d is unreasonable (max 64)", c.Resource.MaxConcurrentDownloads)
	}
	if !strings.HasPrefix(c.Bridge.BaseURL, "http://") && !strings.HasPrefix(c.Bridge.BaseURL, "https://") {
		return errors.NewInvalidRequestError("bridge base_url %q must be http(s)", c.Bridge.BaseURL)
	}
	return nil
}
