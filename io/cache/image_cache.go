package cache

import (
	"image"
	"strings"

	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/io/codec"
	"github.com/cyverse/imagecache/report"
	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Mode selects the active cache tiers
type Mode int

const (
	// ModeMemory uses the memory tier only
	ModeMemory Mode = iota + 1
	// ModeDisk uses the disk tier only
	ModeDisk
	// ModeMemoryAndDisk uses both tiers, promoting disk hits into memory
	ModeMemoryAndDisk
)

// ParseMode returns Mode from its config name
func ParseMode(mode string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case config.ModeMemory:
		return ModeMemory, nil
	case config.ModeDisk:
		return ModeDisk, nil
	case config.ModeMemoryAndDisk, "memory_and_disk":
		return ModeMemoryAndDisk, nil
	default:
		return 0, xerrors.Errorf("unknown cache mode %q", mode)
	}
}

// String returns config name of the mode
func (mode Mode) String() string {
	switch mode {
	case ModeMemory:
		return config.ModeMemory
	case ModeDisk:
		return config.ModeDisk
	case ModeMemoryAndDisk:
		return config.ModeMemoryAndDisk
	default:
		return "unknown"
	}
}

// UseMemory checks if the memory tier is active
func (mode Mode) UseMemory() bool {
	return mode == ModeMemory || mode == ModeMemoryAndDisk
}

// UseDisk checks if the disk tier is active
func (mode Mode) UseDisk() bool {
	return mode == ModeDisk || mode == ModeMemoryAndDisk
}

// ImageCache routes saves and reads by image url to the tiers the mode activates.
// It holds no lock of its own.
type ImageCache struct {
	mode     Mode
	memory   ImageStore // can be nil if mode does not use it
	disk     ImageStore // can be nil if mode does not use it
	reporter report.CacheReportClient
}

// NewImageCache creates a new ImageCache
func NewImageCache(mode Mode, memory ImageStore, disk ImageStore, reporter report.CacheReportClient) (*ImageCache, error) {
	if !mode.UseMemory() && !mode.UseDisk() {
		return nil, xerrors.Errorf("unknown cache mode %d", int(mode))
	}

	if mode.UseMemory() && memory == nil {
		return nil, xerrors.Errorf("memory store is required for %s mode", mode)
	}

	if mode.UseDisk() && disk == nil {
		return nil, xerrors.Errorf("disk store is required for %s mode", mode)
	}

	if reporter == nil {
		reporter = report.NewNopReporter()
	}

	return &ImageCache{
		mode:     mode,
		memory:   memory,
		disk:     disk,
		reporter: reporter,
	}, nil
}

// GetMode returns the mode
func (imageCache *ImageCache) GetMode() Mode {
	return imageCache.mode
}

// GetMemoryStore returns the memory tier, can be nil
func (imageCache *ImageCache) GetMemoryStore() ImageStore {
	return imageCache.memory
}

// GetDiskStore returns the disk tier, can be nil
func (imageCache *ImageCache) GetDiskStore() ImageStore {
	return imageCache.disk
}

// Save stores the image fetched from url in the active tiers.
// A failed disk write does not undo the memory write.
func (imageCache *ImageCache) Save(url string, img image.Image) {
	key := utils.MakeCacheKey(url)

	switch imageCache.mode {
	case ModeMemory:
		imageCache.memory.Save(key, img)
	case ModeDisk:
		imageCache.disk.Save(key, img)
	case ModeMemoryAndDisk:
		imageCache.memory.Save(key, img)
		imageCache.disk.Save(key, img)
	}
}

// Get returns the cached image for url, nil on a miss.
// In combined mode a disk hit is copied into memory before it is returned.
func (imageCache *ImageCache) Get(url string) image.Image {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "ImageCache",
		"function": "Get",
	})

	key := utils.MakeCacheKey(url)

	switch imageCache.mode {
	case ModeMemory:
		return imageCache.memory.Get(key)
	case ModeDisk:
		return imageCache.disk.Get(key)
	case ModeMemoryAndDisk:
		if img := imageCache.memory.Get(key); img != nil {
			return img
		}

		img := imageCache.disk.Get(key)
		if img == nil {
			logger.Debugf("cache miss for %s", url)
			return nil
		}

		imageCache.memory.Save(key, img)
		imageCache.reporter.Promote()
		return img
	}

	return nil
}

// Clear clears both tiers, whatever the mode
func (imageCache *ImageCache) Clear() {
	if imageCache.memory != nil {
		imageCache.memory.Clear()
	}

	if imageCache.disk != nil {
		imageCache.disk.Clear()
	}
}

// NewImageCacheFromConfig creates an ImageCache over both tiers.
// The mode only routes saves and reads; the memory tier is always built and the disk tier is built
// whenever a cache dir is given, so Clear also empties a tier a previous run in another mode filled.
func NewImageCacheFromConfig(cacheConfig *config.Config, reporter report.CacheReportClient) (*ImageCache, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "NewImageCacheFromConfig",
	})

	err := cacheConfig.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid cache config: %w", err)
	}

	mode, err := ParseMode(cacheConfig.Mode)
	if err != nil {
		return nil, err
	}

	var memoryStore ImageStore
	var diskStore ImageStore

	maxMemoryEntries := cacheConfig.MaxMemoryEntries
	memoryBudget := cacheConfig.MemoryBudget
	if !mode.UseMemory() {
		// not validated for an inactive tier
		if maxMemoryEntries <= 0 {
			maxMemoryEntries = config.DefaultMaxMemoryEntries
		}
		if memoryBudget < 0 {
			memoryBudget = 0
		}
	}

	memory, err := NewMemoryCacheStore(maxMemoryEntries, memoryBudget, nil, reporter)
	if err != nil {
		return nil, xerrors.Errorf("failed to create memory cache store: %w", err)
	}
	memory.SetMaxValidity(cacheConfig.MaxValidity)
	memoryStore = memory

	if len(cacheConfig.CacheDir) > 0 {
		imageCodec, err := codec.NewImageCodec(cacheConfig.Codec, cacheConfig.JPEGQuality)
		if err != nil {
			return nil, xerrors.Errorf("failed to create image codec: %w", err)
		}

		maxDiskSize := cacheConfig.MaxDiskSize
		if maxDiskSize <= 0 && !mode.UseDisk() {
			maxDiskSize = config.DefaultMaxDiskSize
		}

		disk, err := NewDiskCacheStore(cacheConfig.CacheDir, maxDiskSize, imageCodec, cacheConfig.DecodeWidth, cacheConfig.DecodeHeight, reporter)
		if err != nil {
			return nil, xerrors.Errorf("failed to create disk cache store: %w", err)
		}
		disk.SetMaxValidity(cacheConfig.MaxValidity)
		diskStore = disk
	}

	logger.Infof("image cache in %s mode", mode)
	return NewImageCache(mode, memoryStore, diskStore, reporter)
}
