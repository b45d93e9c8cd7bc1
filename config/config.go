package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// Path of the log file; empty logs to stderr
	LogFile string `yaml:"logFile"`
	// Enables debug level logging and development encoding
	Debug  bool       `yaml:"debug"`
	Logger *LogConfig `yaml:"logger"`
	DB     *DBConfig  `yaml:"db"`
}

// WithDefaults returns a copy of the Config with any missing fields set to
// their default values.
func (c Config) WithDefaults() Config {
	cpy := c
	if cpy.DB == nil {
		cpy.DB = &DBConfig{}
	}
	db := cpy.DB.WithDefaults()
	cpy.DB = &db

	if cpy.Logger == nil {
		cpy.Logger = &LogConfig{}
	}
	log := cpy.Logger.WithDefaults()
	cpy.Logger = &log

	return cpy
}

// LoadConfig reads config.yml from the given directory. A missing file is
// not an error, the defaults stand in.
func LoadConfig(configPath string) (*Config, error) {
	file := filepath.Join(configPath, "config.yml")

	config := Config{}
	data, err := os.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "load config")
		}
	} else if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	config = config.WithDefaults()
	if config.DB.Path == "" {
		config.DB.Path = filepath.Join(configPath, "store")
	}

	return &config, nil
}
