package config

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	gap "github.com/muesli/go-app-paths"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

const (
	// EnvPrefix is the prefix of environment variables overriding configuration
	EnvPrefix string = "IMAGECACHE"
	// ConfigFileName is the config file name looked up in per-user config dirs
	ConfigFileName string = "imagecache"
)

// LoadConfig loads configuration from the given file, or from per-user config dirs when path is empty.
// Environment variables (IMAGECACHE_MODE, IMAGECACHE_MAX_DISK_SIZE, ...) override file values.
func LoadConfig(path string) (*Config, error) {
	logger := log.WithFields(log.Fields{
		"package":  "config",
		"function": "LoadConfig",
	})

	v := newViper()

	if len(path) > 0 {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("yaml")

		scope := gap.NewScope(gap.User, ApplicationName)
		dirs, err := scope.ConfigDirs()
		if err != nil {
			logger.WithError(err).Debug("failed to find config dirs")
		}

		for _, dir := range dirs {
			v.AddConfigPath(dir)
		}
	}

	err := v.ReadInConfig()
	if err != nil {
		notFoundErr := viper.ConfigFileNotFoundError{}
		if len(path) > 0 || !errors.As(err, &notFoundErr) {
			return nil, xerrors.Errorf("failed to read config %q: %w", path, err)
		}
		logger.Debug("no config file found, using defaults and environment")
	} else {
		logger.Debugf("loaded config %s", v.ConfigFileUsed())
	}

	return unmarshalConfig(v)
}

// LoadConfigFromYAML loads configuration from YAML text
func LoadConfigFromYAML(yamlText string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")

	err := v.ReadConfig(strings.NewReader(yamlText))
	if err != nil {
		return nil, xerrors.Errorf("failed to read yaml config: %w", err)
	}

	return unmarshalConfig(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	defaults := NewDefaultConfig()
	v.SetDefault("mode", defaults.Mode)
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("max_validity", defaults.MaxValidity)
	v.SetDefault("max_disk_size", defaults.MaxDiskSize)
	v.SetDefault("max_memory_entries", defaults.MaxMemoryEntries)
	v.SetDefault("memory_budget", defaults.MemoryBudget)
	v.SetDefault("codec", defaults.Codec)
	v.SetDefault("jpeg_quality", defaults.JPEGQuality)
	v.SetDefault("decode_width", defaults.DecodeWidth)
	v.SetDefault("decode_height", defaults.DecodeHeight)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	config := NewDefaultConfig()

	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		StringToByteSizeHookFunc(),
	)

	err := v.Unmarshal(config, viper.DecodeHook(decodeHook))
	if err != nil {
		return nil, xerrors.Errorf("failed to decode config: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// StringToByteSizeHookFunc returns a decode hook converting humanized sizes ("200MB", "1GiB") to int64
func StringToByteSizeHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Int64 || to == durationType {
			return data, nil
		}

		text := strings.TrimSpace(data.(string))
		if len(text) == 0 {
			return int64(0), nil
		}

		size, err := humanize.ParseBytes(text)
		if err != nil {
			return nil, xerrors.Errorf("failed to parse byte size %q: %w", text, err)
		}
		return int64(size), nil
	}
}
