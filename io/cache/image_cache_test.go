package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/io/codec"
	"github.com/cyverse/imagecache/report"
	"github.com/cyverse/imagecache/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImageURL string = "https://upload.wikimedia.org/wikipedia/commons/e/e6/1kb.png"
)

func TestImageCache(t *testing.T) {
	t.Run("test Mode", testMode)
	t.Run("test NewImageCache", testNewImageCache)
	t.Run("test SaveGetAllModes", testSaveGetAllModes)
	t.Run("test Promotion", testPromotion)
	t.Run("test MissBothTiers", testMissBothTiers)
	t.Run("test ClearBothTiers", testClearBothTiers)
	t.Run("test ClearBothTiersFromConfig", testClearBothTiersFromConfig)
	t.Run("test TiersIndependentCapacity", testTiersIndependentCapacity)
	t.Run("test FromConfig", testFromConfig)
	t.Run("test Concurrent", testImageCacheConcurrent)
}

type testTiers struct {
	memory *MemoryCacheStore
	disk   *DiskCacheStore
}

func newTestTiers(t *testing.T, diskSizeCap int64) *testTiers {
	memory, err := NewMemoryCacheStore(30000, 0, nil, nil)
	require.NoError(t, err)

	disk, err := NewDiskCacheStore(filepath.Join(t.TempDir(), "image_cache"), diskSizeCap, codec.NewPNGCodec(), 0, 0, nil)
	require.NoError(t, err)

	return &testTiers{
		memory: memory,
		disk:   disk,
	}
}

func newTestImageCache(t *testing.T, mode Mode, tiers *testTiers) *ImageCache {
	imageCache, err := NewImageCache(mode, tiers.memory, tiers.disk, nil)
	require.NoError(t, err)
	return imageCache
}

func testMode(t *testing.T) {
	for _, mode := range []Mode{ModeMemory, ModeDisk, ModeMemoryAndDisk} {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}

	parsed, err := ParseMode(" Both ")
	require.NoError(t, err)
	assert.Equal(t, ModeMemoryAndDisk, parsed)

	_, err = ParseMode("tape")
	assert.Error(t, err)
	assert.Equal(t, "unknown", Mode(0).String())

	assert.True(t, ModeMemory.UseMemory())
	assert.False(t, ModeMemory.UseDisk())
	assert.False(t, ModeDisk.UseMemory())
	assert.True(t, ModeDisk.UseDisk())
	assert.True(t, ModeMemoryAndDisk.UseMemory())
	assert.True(t, ModeMemoryAndDisk.UseDisk())
}

func testNewImageCache(t *testing.T) {
	tiers := newTestTiers(t, testDiskSizeCap)

	_, err := NewImageCache(Mode(0), tiers.memory, tiers.disk, nil)
	assert.Error(t, err)

	_, err = NewImageCache(ModeMemory, nil, tiers.disk, nil)
	assert.Error(t, err)

	_, err = NewImageCache(ModeDisk, tiers.memory, nil, nil)
	assert.Error(t, err)

	imageCache, err := NewImageCache(ModeMemory, tiers.memory, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeMemory, imageCache.GetMode())
	assert.Nil(t, imageCache.GetDiskStore())
	assert.NotNil(t, imageCache.GetMemoryStore())

	// clear tolerates an absent tier
	imageCache.Clear()
}

func testSaveGetAllModes(t *testing.T) {
	for _, mode := range []Mode{ModeMemory, ModeDisk, ModeMemoryAndDisk} {
		t.Run(mode.String(), func(t *testing.T) {
			tiers := newTestTiers(t, testDiskSizeCap)
			imageCache := newTestImageCache(t, mode, tiers)

			imageCache.Clear()
			assert.Equal(t, 0, tiers.memory.Size())
			assert.Equal(t, 0, tiers.disk.GetTotalEntries())

			img := makeTestImage(1, 1)
			imageCache.Save("u1", img)

			if mode.UseMemory() {
				assert.Equal(t, 1, tiers.memory.Size())
			} else {
				assert.Equal(t, 0, tiers.memory.Size())
			}

			if mode.UseDisk() {
				assert.Equal(t, 1, tiers.disk.GetTotalEntries())
				assert.True(t, tiers.disk.HasEntry(utils.MakeCacheKey("u1")))
			} else {
				assert.Equal(t, 0, tiers.disk.GetTotalEntries())
			}

			requireSamePixels(t, img, imageCache.Get("u1"))

			imageCache.Clear()
			assert.Equal(t, 0, tiers.memory.Size())
			assert.Equal(t, 0, tiers.disk.GetTotalEntries())
			assert.Nil(t, imageCache.Get("u1"))
		})
	}
}

func testPromotion(t *testing.T) {
	tiers := newTestTiers(t, testDiskSizeCap)
	imageCache := newTestImageCache(t, ModeMemoryAndDisk, tiers)

	url := fmt.Sprintf("%s?id=%s", testImageURL, xid.New().String())
	key := utils.MakeCacheKey(url)
	img := makeTestImage(3, 3)

	// only on disk, e.g. written by a previous run
	tiers.disk.Save(key, img)
	assert.Equal(t, 0, tiers.memory.Size())

	requireSamePixels(t, img, imageCache.Get(url))
	assert.Equal(t, 1, tiers.memory.Size())
	assert.True(t, tiers.memory.HasEntry(key))

	// the second read is served from memory
	require.NoError(t, os.Remove(tiers.disk.GetFilePath(key)))
	requireSamePixels(t, img, imageCache.Get(url))
	assert.Equal(t, 1, tiers.memory.Size())
}

func testMissBothTiers(t *testing.T) {
	for _, mode := range []Mode{ModeMemory, ModeDisk, ModeMemoryAndDisk} {
		tiers := newTestTiers(t, testDiskSizeCap)
		imageCache := newTestImageCache(t, mode, tiers)

		assert.Nil(t, imageCache.Get(testImageURL))
		assert.Equal(t, 0, tiers.memory.Size())
	}
}

func testClearBothTiers(t *testing.T) {
	tiers := newTestTiers(t, testDiskSizeCap)
	imageCache := newTestImageCache(t, ModeMemory, tiers)

	tiers.disk.Save(utils.MakeCacheKey("u5"), makeTestImage(2, 2))
	imageCache.Save("u6", makeTestImage(2, 2))

	imageCache.Clear()
	assert.Equal(t, 0, tiers.memory.Size())
	assert.Equal(t, 0, tiers.disk.GetTotalEntries())

	imageCache.Clear()
	assert.Equal(t, 0, tiers.memory.Size())
	assert.Equal(t, 0, tiers.disk.GetTotalEntries())
}

func testClearBothTiersFromConfig(t *testing.T) {
	cacheDir := filepath.Join(t.TempDir(), "image_cache")

	bothConfig := config.NewDefaultConfig()
	bothConfig.CacheDir = cacheDir
	bothConfig.MaxMemoryEntries = 1000

	bothCache, err := NewImageCacheFromConfig(bothConfig, nil)
	require.NoError(t, err)

	bothCache.Save("u7", makeTestImage(2, 2))
	require.True(t, bothCache.GetDiskStore().(*DiskCacheStore).HasEntry(utils.MakeCacheKey("u7")))

	// a later run in memory mode over the same dir
	memoryConfig := config.NewDefaultConfig()
	memoryConfig.Mode = config.ModeMemory
	memoryConfig.CacheDir = cacheDir
	memoryConfig.MaxMemoryEntries = 1000

	memoryCache, err := NewImageCacheFromConfig(memoryConfig, nil)
	require.NoError(t, err)
	require.NotNil(t, memoryCache.GetDiskStore())

	disk := memoryCache.GetDiskStore().(*DiskCacheStore)

	// saves are routed to memory only
	memoryCache.Save("u8", makeTestImage(2, 2))
	assert.False(t, disk.HasEntry(utils.MakeCacheKey("u8")))
	assert.Equal(t, 1, disk.GetTotalEntries())

	memoryCache.Clear()
	assert.Equal(t, 0, disk.GetTotalEntries())
	assert.Equal(t, 0, memoryCache.GetMemoryStore().(*MemoryCacheStore).Size())

	// disk mode still builds the memory tier
	diskConfig := config.NewDefaultConfig()
	diskConfig.Mode = config.ModeDisk
	diskConfig.CacheDir = cacheDir
	diskConfig.MaxMemoryEntries = 0

	diskCache, err := NewImageCacheFromConfig(diskConfig, nil)
	require.NoError(t, err)
	require.NotNil(t, diskCache.GetMemoryStore())

	diskCache.GetMemoryStore().Save(utils.MakeCacheKey("u9"), makeTestImage(2, 2))
	diskCache.Clear()
	assert.Equal(t, 0, diskCache.GetMemoryStore().(*MemoryCacheStore).Size())
}

func testTiersIndependentCapacity(t *testing.T) {
	tiers := newTestTiers(t, 16)
	imageCache := newTestImageCache(t, ModeMemoryAndDisk, tiers)

	img := makeTestImage(4, 4)
	imageCache.Save("u3", img)

	assert.Equal(t, int64(0), tiers.disk.GetTotalEntrySize())
	assert.Equal(t, 1, tiers.memory.Size())
	requireSamePixels(t, img, imageCache.Get("u3"))
}

func testFromConfig(t *testing.T) {
	registry := prometheus.NewRegistry()
	reporter, err := report.NewPrometheusReporter(registry, false)
	require.NoError(t, err)
	defer reporter.Release()

	cacheConfig := config.NewDefaultConfig()
	cacheConfig.CacheDir = filepath.Join(t.TempDir(), "image_cache")
	cacheConfig.MaxMemoryEntries = 1000

	imageCache, err := NewImageCacheFromConfig(cacheConfig, reporter)
	require.NoError(t, err)
	assert.Equal(t, ModeMemoryAndDisk, imageCache.GetMode())

	img := makeTestImage(2, 2)
	imageCache.Save(testImageURL, img)
	requireSamePixels(t, img, imageCache.Get(testImageURL))

	_, err = os.Stat(filepath.Join(cacheConfig.CacheDir, utils.MakeCacheKey(testImageURL)))
	assert.NoError(t, err)

	events := reporter.GetCollector()
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("memory", "hit")))

	// drop memory to force a promotion
	imageCache.GetMemoryStore().Clear()
	requireSamePixels(t, img, imageCache.Get(testImageURL))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("disk", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("memory", "promote")))

	memoryConfig := config.NewDefaultConfig()
	memoryConfig.Mode = config.ModeMemory
	memoryConfig.CacheDir = ""
	memoryCache, err := NewImageCacheFromConfig(memoryConfig, nil)
	require.NoError(t, err)
	assert.Nil(t, memoryCache.GetDiskStore())

	badConfig := config.NewDefaultConfig()
	badConfig.Mode = "tape"
	_, err = NewImageCacheFromConfig(badConfig, nil)
	assert.Error(t, err)
}

func testImageCacheConcurrent(t *testing.T) {
	tiers := newTestTiers(t, testDiskSizeCap)
	imageCache := newTestImageCache(t, ModeMemoryAndDisk, tiers)

	urls := []string{}
	for i := 0; i < 10; i++ {
		urls = append(urls, fmt.Sprintf("%s?n=%d", testImageURL, i))
	}

	wg := sync.WaitGroup{}

	// background writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for round := 0; round < 5; round++ {
			for _, url := range urls {
				imageCache.Save(url, makeTestImage(4, 4))
			}
		}
	}()

	// foreground readers
	for reader := 0; reader < 4; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				for _, url := range urls {
					img := imageCache.Get(url)
					if img != nil {
						assert.Equal(t, 4, img.Bounds().Dx())
					}
				}
			}
		}()
	}
	wg.Wait()

	for _, url := range urls {
		requireSamePixels(t, makeTestImage(4, 4), imageCache.Get(url))
	}
	assert.Equal(t, len(urls), tiers.memory.Size())
	assert.Equal(t, len(urls), tiers.disk.GetTotalEntries())
}
