package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cyverse/imagecache/utils"
	gap "github.com/muesli/go-app-paths"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// ApplicationName is used for per-user directories
	ApplicationName string = "imagecache"
	// CacheDirName is the name of the disk cache directory under the user cache dir
	CacheDirName string = "image_cache"

	ModeMemory        string = "memory"
	ModeDisk          string = "disk"
	ModeMemoryAndDisk string = "both"

	CodecPNG  string = "png"
	CodecJPEG string = "jpeg"

	DefaultMode             string        = ModeMemoryAndDisk
	DefaultMaxValidity      time.Duration = utils.DefaultMaxValidity
	DefaultMaxDiskSize      int64         = 200 * 1024 * 1024 // 200MB
	DefaultMaxMemoryEntries int           = 30000
	DefaultCodec            string        = CodecPNG
	DefaultJPEGQuality      int           = 80
	DefaultLogLevel         string        = "info"
)

// Config holds the parameters of an image cache
type Config struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`

	MaxValidity      time.Duration `mapstructure:"max_validity" yaml:"max_validity"`
	MaxDiskSize      int64         `mapstructure:"max_disk_size" yaml:"max_disk_size"`
	MaxMemoryEntries int           `mapstructure:"max_memory_entries" yaml:"max_memory_entries"`
	// MemoryBudget is the process memory the memory cache takes 1/8 of, 0 probes the runtime
	MemoryBudget int64 `mapstructure:"memory_budget" yaml:"memory_budget"`

	Codec        string `mapstructure:"codec" yaml:"codec"`
	JPEGQuality  int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	DecodeWidth  int    `mapstructure:"decode_width" yaml:"decode_width"`
	DecodeHeight int    `mapstructure:"decode_height" yaml:"decode_height"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// GetDefaultCacheDir returns the per-user disk cache directory
func GetDefaultCacheDir() string {
	scope := gap.NewScope(gap.User, ApplicationName)
	cacheDir, err := scope.CacheDir()
	if err != nil || len(cacheDir) == 0 {
		return filepath.Join("/tmp", ApplicationName, CacheDirName)
	}
	return filepath.Join(cacheDir, CacheDirName)
}

// NewDefaultConfig creates a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Mode:     DefaultMode,
		CacheDir: GetDefaultCacheDir(),

		MaxValidity:      DefaultMaxValidity,
		MaxDiskSize:      DefaultMaxDiskSize,
		MaxMemoryEntries: DefaultMaxMemoryEntries,
		MemoryBudget:     0,

		Codec:        DefaultCodec,
		JPEGQuality:  DefaultJPEGQuality,
		DecodeWidth:  0,
		DecodeHeight: 0,

		LogLevel: DefaultLogLevel,
	}
}

// UseMemory checks if the mode activates the memory tier
func (config *Config) UseMemory() bool {
	mode := strings.ToLower(config.Mode)
	return mode == ModeMemory || mode == ModeMemoryAndDisk
}

// UseDisk checks if the mode activates the disk tier
func (config *Config) UseDisk() bool {
	mode := strings.ToLower(config.Mode)
	return mode == ModeDisk || mode == ModeMemoryAndDisk
}

// Validate validates configuration
func (config *Config) Validate() error {
	switch strings.ToLower(config.Mode) {
	case ModeMemory, ModeDisk, ModeMemoryAndDisk:
	default:
		return xerrors.Errorf("unknown cache mode %q, must be one of %q, %q, %q", config.Mode, ModeMemory, ModeDisk, ModeMemoryAndDisk)
	}

	if config.MaxValidity <= 0 {
		return xerrors.Errorf("max validity must be positive, got %s", config.MaxValidity)
	}

	if config.UseDisk() {
		if len(config.CacheDir) == 0 {
			return xerrors.Errorf("cache dir is not given")
		}

		if config.MaxDiskSize <= 0 {
			return xerrors.Errorf("max disk size must be positive, got %d", config.MaxDiskSize)
		}
	}

	if config.UseMemory() {
		if config.MaxMemoryEntries <= 0 {
			return xerrors.Errorf("max memory entries must be positive, got %d", config.MaxMemoryEntries)
		}

		if config.MemoryBudget < 0 {
			return xerrors.Errorf("memory budget must not be negative, got %d", config.MemoryBudget)
		}
	}

	switch strings.ToLower(config.Codec) {
	case CodecPNG:
	case CodecJPEG:
		if config.JPEGQuality < 1 || config.JPEGQuality > 100 {
			return xerrors.Errorf("jpeg quality must be in 1..100, got %d", config.JPEGQuality)
		}
	default:
		return xerrors.Errorf("unknown codec %q, must be %q or %q", config.Codec, CodecPNG, CodecJPEG)
	}

	if config.DecodeWidth < 0 || config.DecodeHeight < 0 {
		return xerrors.Errorf("decode bounds must not be negative, got %dx%d", config.DecodeWidth, config.DecodeHeight)
	}

	_, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return xerrors.Errorf("failed to parse log level %q: %w", config.LogLevel, err)
	}

	return nil
}

// ApplyLogLevel sets the global log level
func (config *Config) ApplyLogLevel() error {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return xerrors.Errorf("failed to parse log level %q: %w", config.LogLevel, err)
	}

	log.SetLevel(level)
	return nil
}
