package config

import (
	"errors"
	"io/fs"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// Load reads a YAML/TOML/JSON configuration file at path (if it exists)
// and layers environment variable overrides (prefix REACTIVEDOC_) on top
// of DefaultConfig(). This is the "file-based configuration loading"
// collaborator interface named out of the core in spec.md §1 — thin by
// design, the core only ever sees the resulting *Config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("REACTIVEDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about; bind every field's key so
	// an environment variable applies even when the file does not set it.
	t := reflect.TypeOf(*cfg)
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			_ = v.BindEnv(key)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
