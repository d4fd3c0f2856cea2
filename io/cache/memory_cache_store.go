package cache

import (
	"image"
	"sync"
	"time"

	"github.com/cyverse/imagecache/report"
	"github.com/cyverse/imagecache/utils"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/simplelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// memoryBudgetFraction is the share of process memory the memory cache may use, 1/8
	memoryBudgetFraction int64 = 8
)

// SizeFunc returns the size estimate of an image in KB
type SizeFunc func(img image.Image) int64

// ImageSizeKB returns the pixel buffer size of a decoded image in KB, rounded up
func ImageSizeKB(img image.Image) int64 {
	if img == nil {
		return 0
	}

	bytes := GetImageByteCount(img)
	return (bytes + 1023) / 1024
}

// GetImageByteCount returns the pixel buffer size of a decoded image in bytes
func GetImageByteCount(img image.Image) int64 {
	bounds := img.Bounds()
	pixels := int64(bounds.Dx()) * int64(bounds.Dy())

	switch typedImage := img.(type) {
	case *image.Gray, *image.Alpha, *image.Paletted:
		return pixels
	case *image.Gray16, *image.Alpha16:
		return pixels * 2
	case *image.RGBA64, *image.NRGBA64:
		return pixels * 8
	case *image.YCbCr:
		return int64(len(typedImage.Y) + len(typedImage.Cb) + len(typedImage.Cr))
	default:
		// RGBA, NRGBA, CMYK and unknown implementations
		return pixels * 4
	}
}

// MemoryCacheEntry is an entry of MemoryCacheStore
type MemoryCacheEntry struct {
	key          string
	image        image.Image
	size         int64 // KB
	creationTime time.Time
}

// NewMemoryCacheEntry creates a new MemoryCacheEntry
func NewMemoryCacheEntry(key string, img image.Image, size int64) *MemoryCacheEntry {
	return &MemoryCacheEntry{
		key:          key,
		image:        img,
		size:         size,
		creationTime: time.Now(),
	}
}

// GetKey returns key of the entry
func (entry *MemoryCacheEntry) GetKey() string {
	return entry.key
}

// GetImage returns image of the entry
func (entry *MemoryCacheEntry) GetImage() image.Image {
	return entry.image
}

// GetSize returns size estimate of the entry in KB
func (entry *MemoryCacheEntry) GetSize() int64 {
	return entry.size
}

// GetCreationTime returns creation time of the entry
func (entry *MemoryCacheEntry) GetCreationTime() time.Time {
	return entry.creationTime
}

// IsExpired checks if the entry is older than maxAge
func (entry *MemoryCacheEntry) IsExpired(maxAge time.Duration) bool {
	return utils.IsExpired(entry.creationTime, maxAge, time.Now())
}

// MemoryCacheStore is a size bounded LRU image cache in memory, implements ExpiringImageStore
type MemoryCacheStore struct {
	capacity       int64 // KB
	entryNumberCap int
	totalSize      int64 // KB
	sizeFunc       SizeFunc
	maxValidity    time.Duration
	cache          *simplelru.LRU
	reporter       report.CacheReportClient
	mutex          sync.Mutex
}

// GetMemoryCacheCapacity returns capacity in KB for the given entry cap and process memory budget in bytes.
// memoryBudget <= 0 probes the runtime.
func GetMemoryCacheCapacity(maxEntries int, memoryBudget int64) int64 {
	if memoryBudget <= 0 {
		memoryBudget = utils.GetMemoryBudget()
	}

	budgetKB := memoryBudget / 1024 / memoryBudgetFraction
	capacity := utils.MinInt64(int64(maxEntries), budgetKB)
	if capacity < 1 {
		return 1
	}
	return capacity
}

// NewMemoryCacheStore creates a new MemoryCacheStore.
// Capacity is min(maxEntries, memoryBudget / 8) in KB; the number of entries is also capped at maxEntries.
func NewMemoryCacheStore(maxEntries int, memoryBudget int64, sizeFunc SizeFunc, reporter report.CacheReportClient) (*MemoryCacheStore, error) {
	if maxEntries <= 0 {
		return nil, xerrors.Errorf("max entries must be positive, got %d", maxEntries)
	}

	capacity := GetMemoryCacheCapacity(maxEntries, memoryBudget)
	return NewMemoryCacheStoreWithCapacity(capacity, maxEntries, sizeFunc, reporter)
}

// NewMemoryCacheStoreWithCapacity creates a new MemoryCacheStore with explicit capacity in KB
func NewMemoryCacheStoreWithCapacity(capacity int64, maxEntries int, sizeFunc SizeFunc, reporter report.CacheReportClient) (*MemoryCacheStore, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "NewMemoryCacheStoreWithCapacity",
	})

	if capacity <= 0 {
		return nil, xerrors.Errorf("capacity must be positive, got %d", capacity)
	}

	if sizeFunc == nil {
		sizeFunc = ImageSizeKB
	}

	if reporter == nil {
		reporter = report.NewNopReporter()
	}

	store := &MemoryCacheStore{
		capacity:       capacity,
		entryNumberCap: maxEntries,
		totalSize:      0,
		sizeFunc:       sizeFunc,
		maxValidity:    utils.DefaultMaxValidity,
		cache:          nil,
		reporter:       reporter,
	}

	lruCache, err := simplelru.NewLRU(maxEntries, store.onEvicted)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU cache: %w", err)
	}

	store.cache = lruCache

	logger.Debugf("memory cache capacity %s, max %d entries", humanize.IBytes(uint64(capacity)*1024), maxEntries)
	return store, nil
}

// SetMaxValidity sets the default freshness window used by Get
func (store *MemoryCacheStore) SetMaxValidity(maxValidity time.Duration) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.maxValidity = maxValidity
}

// GetCapacity returns capacity in KB
func (store *MemoryCacheStore) GetCapacity() int64 {
	return store.capacity
}

// GetEntryNumberCap returns max number of entries
func (store *MemoryCacheStore) GetEntryNumberCap() int {
	return store.entryNumberCap
}

// GetTotalEntrySize returns total size estimate of resident entries in KB
func (store *MemoryCacheStore) GetTotalEntrySize() int64 {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.totalSize
}

// Size returns the number of resident entries, expired ones included
func (store *MemoryCacheStore) Size() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.cache.Len()
}

// GetEntryKeys returns keys of resident entries, least recently used first
func (store *MemoryCacheStore) GetEntryKeys() []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	keys := []string{}
	for _, key := range store.cache.Keys() {
		if strkey, ok := key.(string); ok {
			keys = append(keys, strkey)
		}
	}
	return keys
}

// HasEntry checks if an entry for the key is resident, without touching recency or expiry
func (store *MemoryCacheStore) HasEntry(key string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.cache.Contains(key)
}

// Save inserts or replaces the image for the key, evicting least recently used entries to fit
func (store *MemoryCacheStore) Save(key string, img image.Image) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "MemoryCacheStore",
		"function": "Save",
	})

	if img == nil {
		logger.Debugf("ignoring nil image for key %s", key)
		return
	}

	size := store.sizeFunc(img)
	if size < 0 {
		size = 0
	}

	entry := NewMemoryCacheEntry(key, img, size)

	store.mutex.Lock()
	defer store.mutex.Unlock()

	// drop the previous entry first so re-insertion refreshes recency and size accounting
	store.cache.Remove(key)

	if size > store.capacity {
		logger.Warnf("image for key %s (%d KB) is larger than memory cache capacity (%d KB)", key, size, store.capacity)
		store.reporter.Reject(report.CacheTierMemory)
		return
	}

	evicted := 0
	for store.totalSize+size > store.capacity && store.cache.Len() > 0 {
		store.cache.RemoveOldest()
		evicted++
	}

	if store.cache.Add(key, entry) {
		evicted++
	}
	store.totalSize += size

	if evicted > 0 {
		logger.Debugf("evicted %d entries to store key %s", evicted, key)
		store.reporter.Evict(report.CacheTierMemory, evicted)
	}
}

// Get returns the image for the key, nil if absent or expired
func (store *MemoryCacheStore) Get(key string) image.Image {
	store.mutex.Lock()
	maxValidity := store.maxValidity
	store.mutex.Unlock()

	return store.GetWithValidity(key, maxValidity)
}

// GetWithValidity returns the image for the key if it is not older than maxAge.
// An expired entry is removed.
func (store *MemoryCacheStore) GetWithValidity(key string, maxAge time.Duration) image.Image {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "MemoryCacheStore",
		"function": "GetWithValidity",
	})

	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.cache.Peek(key)
	if !ok {
		store.reporter.Miss(report.CacheTierMemory)
		return nil
	}

	entry, ok := value.(*MemoryCacheEntry)
	if !ok {
		store.cache.Remove(key)
		store.reporter.Miss(report.CacheTierMemory)
		return nil
	}

	if entry.IsExpired(maxAge) {
		logger.Debugf("entry for key %s expired, created at %s", key, entry.creationTime)
		store.cache.Remove(key)
		store.reporter.Expire(report.CacheTierMemory)
		store.reporter.Miss(report.CacheTierMemory)
		return nil
	}

	// touch
	store.cache.Get(key)
	store.reporter.Hit(report.CacheTierMemory)
	return entry.image
}

// Delete removes the entry for the key
func (store *MemoryCacheStore) Delete(key string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.cache.Remove(key)
}

// Clear removes all entries
func (store *MemoryCacheStore) Clear() {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.cache.Purge()
	store.totalSize = 0
	store.reporter.Clear(report.CacheTierMemory)
}

// onEvicted is called by the LRU with the store lock held
func (store *MemoryCacheStore) onEvicted(key interface{}, value interface{}) {
	if entry, ok := value.(*MemoryCacheEntry); ok {
		store.totalSize -= entry.size
		if store.totalSize < 0 {
			store.totalSize = 0
		}
	}
}
