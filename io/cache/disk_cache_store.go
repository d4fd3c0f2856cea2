package cache

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/imagecache/io/codec"
	"github.com/cyverse/imagecache/report"
	"github.com/cyverse/imagecache/utils"
	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	tempFilePrefix string = "."
	tempFileSuffix string = ".tmp"
)

// DiskCacheStore keeps encoded images as files named by key in one directory, implements ExpiringImageStore.
// A file's modification time is its freshness timestamp; no index is kept in memory.
type DiskCacheStore struct {
	rootPath     string
	sizeCap      int64
	codec        codec.ImageCodec
	decodeWidth  int
	decodeHeight int
	maxValidity  time.Duration
	reporter     report.CacheReportClient

	// for tests
	freeSpaceFunc func(path string) int64

	// serializes capacity check, clear and write
	mutex sync.Mutex
}

// NewDiskCacheStore creates a new DiskCacheStore, creating rootPath if absent.
// Decoded images are subsampled to about decodeWidth x decodeHeight, 0 keeps full resolution.
func NewDiskCacheStore(rootPath string, sizeCap int64, imageCodec codec.ImageCodec, decodeWidth int, decodeHeight int, reporter report.CacheReportClient) (*DiskCacheStore, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "NewDiskCacheStore",
	})

	if sizeCap <= 0 {
		return nil, xerrors.Errorf("size cap must be positive, got %d", sizeCap)
	}

	err := os.MkdirAll(rootPath, 0777)
	if err != nil {
		return nil, xerrors.Errorf("failed to make dir %s: %w", rootPath, err)
	}

	if imageCodec == nil {
		imageCodec = codec.NewPNGCodec()
	}

	if reporter == nil {
		reporter = report.NewNopReporter()
	}

	logger.Debugf("disk cache at %s, capacity %s, codec %s", rootPath, humanize.IBytes(uint64(sizeCap)), imageCodec.GetName())

	return &DiskCacheStore{
		rootPath:      rootPath,
		sizeCap:       sizeCap,
		codec:         imageCodec,
		decodeWidth:   decodeWidth,
		decodeHeight:  decodeHeight,
		maxValidity:   utils.DefaultMaxValidity,
		reporter:      reporter,
		freeSpaceFunc: utils.GetFreeDiskSpace,
	}, nil
}

// SetMaxValidity sets the default freshness window used by Get
func (store *DiskCacheStore) SetMaxValidity(maxValidity time.Duration) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.maxValidity = maxValidity
}

// GetRootPath returns root path of disk cache
func (store *DiskCacheStore) GetRootPath() string {
	return store.rootPath
}

// GetSizeCap returns size cap
func (store *DiskCacheStore) GetSizeCap() int64 {
	return store.sizeCap
}

// GetCodec returns the codec used to encode files
func (store *DiskCacheStore) GetCodec() codec.ImageCodec {
	return store.codec
}

// GetEffectiveSizeCap returns min(size cap, free disk space)
func (store *DiskCacheStore) GetEffectiveSizeCap() int64 {
	return utils.MinInt64(store.sizeCap, store.freeSpaceFunc(store.rootPath))
}

// GetTotalEntries returns total number of entries in cache
func (store *DiskCacheStore) GetTotalEntries() int {
	entries, err := os.ReadDir(store.rootPath)
	if err != nil {
		return 0
	}

	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && !isTempFile(entry.Name()) {
			count++
		}
	}
	return count
}

// GetTotalEntrySize returns total bytes of files in cache
func (store *DiskCacheStore) GetTotalEntrySize() int64 {
	size, err := store.getOccupiedSize()
	if err != nil {
		return 0
	}
	return size
}

// GetAvailableSize returns bytes that can be written before the cache is cleared
func (store *DiskCacheStore) GetAvailableSize() int64 {
	available := store.GetEffectiveSizeCap() - store.GetTotalEntrySize()
	if available < 0 {
		return 0
	}
	return available
}

// GetEntryKeys returns all entry keys
func (store *DiskCacheStore) GetEntryKeys() []string {
	keys := []string{}

	entries, err := os.ReadDir(store.rootPath)
	if err != nil {
		return keys
	}

	for _, entry := range entries {
		if entry.Type().IsRegular() && !isTempFile(entry.Name()) {
			keys = append(keys, entry.Name())
		}
	}
	return keys
}

// GetFilePath returns the file path of the key
func (store *DiskCacheStore) GetFilePath(key string) string {
	return filepath.Join(store.rootPath, key)
}

// HasEntry checks if a file for the key exists, expired or not
func (store *DiskCacheStore) HasEntry(key string) bool {
	if !isValidFileKey(key) {
		return false
	}

	stat, err := os.Stat(store.GetFilePath(key))
	if err != nil {
		return false
	}
	return stat.Mode().IsRegular()
}

// IsValidityExpired checks freshness of the file for the key against maxAge without decoding it.
// A missing file is not expired.
func (store *DiskCacheStore) IsValidityExpired(key string, maxAge time.Duration) bool {
	if !isValidFileKey(key) {
		return false
	}

	stat, err := os.Stat(store.GetFilePath(key))
	if err != nil {
		return false
	}

	return utils.IsExpired(stat.ModTime(), maxAge, time.Now())
}

// Save encodes and writes the image for the key.
// When the write would overflow min(size cap, free disk space), the whole cache is cleared first.
func (store *DiskCacheStore) Save(key string, img image.Image) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "Save",
	})

	defer utils.StackTraceFromPanic(logger)

	if img == nil {
		logger.Debugf("ignoring nil image for key %s", key)
		return
	}

	if !isValidFileKey(key) {
		logger.Errorf("invalid disk cache key %q", key)
		store.reporter.Reject(report.CacheTierDisk)
		return
	}

	data, err := codec.EncodeToBytes(store.codec, img)
	if err != nil {
		logger.WithError(err).Errorf("failed to encode image for key %s", key)
		store.reporter.Reject(report.CacheTierDisk)
		return
	}

	dataSize := int64(len(data))

	store.mutex.Lock()
	defer store.mutex.Unlock()

	sizeLimit := store.GetEffectiveSizeCap()

	occupied, err := store.getOccupiedSize()
	if err != nil {
		logger.WithError(err).Errorf("failed to compute disk cache size of %s", store.rootPath)
		store.reporter.Reject(report.CacheTierDisk)
		return
	}

	if occupied+dataSize > sizeLimit {
		logger.Infof("disk cache is full (%s + %s > %s), clearing %s", humanize.IBytes(uint64(occupied)), humanize.IBytes(uint64(dataSize)), humanize.IBytes(uint64(sizeLimit)), store.rootPath)
		removed := store.clearFiles()
		store.reporter.Evict(report.CacheTierDisk, removed)
		store.reporter.Clear(report.CacheTierDisk)
	}

	if dataSize > sizeLimit {
		logger.Warnf("image for key %s (%s) is larger than disk cache limit (%s)", key, humanize.IBytes(uint64(dataSize)), humanize.IBytes(uint64(sizeLimit)))
		store.reporter.Reject(report.CacheTierDisk)
		return
	}

	err = store.writeFile(key, data)
	if err != nil {
		logger.WithError(err).Errorf("failed to write image for key %s", key)
		store.reporter.Reject(report.CacheTierDisk)
		return
	}
}

// Get returns the decoded image for the key, nil if absent, expired or unreadable
func (store *DiskCacheStore) Get(key string) image.Image {
	store.mutex.Lock()
	maxValidity := store.maxValidity
	store.mutex.Unlock()

	return store.GetWithValidity(key, maxValidity)
}

// GetWithValidity returns the decoded image for the key if its file is not older than maxAge.
// An expired file is deleted.
func (store *DiskCacheStore) GetWithValidity(key string, maxAge time.Duration) image.Image {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "GetWithValidity",
	})

	defer utils.StackTraceFromPanic(logger)

	if !isValidFileKey(key) {
		store.reporter.Miss(report.CacheTierDisk)
		return nil
	}

	filePath := store.GetFilePath(key)

	stat, err := os.Stat(filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Errorf("failed to stat cache file %s", filePath)
		}
		store.reporter.Miss(report.CacheTierDisk)
		return nil
	}

	if utils.IsExpired(stat.ModTime(), maxAge, time.Now()) {
		logger.Debugf("cache file %s expired, modified at %s", filePath, stat.ModTime())
		store.deleteExpired(key, maxAge)
		store.reporter.Expire(report.CacheTierDisk)
		store.reporter.Miss(report.CacheTierDisk)
		return nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Errorf("failed to read cache file %s", filePath)
		}
		store.reporter.Miss(report.CacheTierDisk)
		return nil
	}

	img, err := codec.DecodeBounded(store.codec, data, store.decodeWidth, store.decodeHeight)
	if err != nil {
		logger.WithError(err).Errorf("failed to decode cache file %s", filePath)
		store.reporter.Miss(report.CacheTierDisk)
		return nil
	}

	store.reporter.Hit(report.CacheTierDisk)
	return img
}

// Delete removes the file for the key
func (store *DiskCacheStore) Delete(key string) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "Delete",
	})

	if !isValidFileKey(key) {
		return
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	err := store.deleteFile(key)
	if err != nil {
		logger.Error(err)
	}
}

// Clear deletes every file in the cache directory
func (store *DiskCacheStore) Clear() {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.clearFiles()
	store.reporter.Clear(report.CacheTierDisk)
}

// deleteExpired rechecks expiry under the lock so a concurrent fresh write is kept
func (store *DiskCacheStore) deleteExpired(key string, maxAge time.Duration) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "deleteExpired",
	})

	store.mutex.Lock()
	defer store.mutex.Unlock()

	stat, err := os.Stat(store.GetFilePath(key))
	if err != nil {
		return
	}

	if !utils.IsExpired(stat.ModTime(), maxAge, time.Now()) {
		return
	}

	err = store.deleteFile(key)
	if err != nil {
		logger.Error(err)
	}
}

func (store *DiskCacheStore) deleteFile(key string) error {
	filePath := store.GetFilePath(key)

	err := os.Remove(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Errorf("failed to remove cache file %s: %w", filePath, err)
	}
	return nil
}

// clearFiles must be called with the lock held
func (store *DiskCacheStore) clearFiles() int {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "clearFiles",
	})

	entries, err := os.ReadDir(store.rootPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Errorf("failed to list cache dir %s", store.rootPath)
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(store.rootPath, entry.Name())
		err := os.Remove(filePath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Errorf("failed to remove cache file %s", filePath)
			continue
		}
		removed++
	}
	return removed
}

func (store *DiskCacheStore) getOccupiedSize() (int64, error) {
	entries, err := os.ReadDir(store.rootPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, xerrors.Errorf("failed to list cache dir %s: %w", store.rootPath, err)
	}

	size := int64(0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// removed meanwhile
			continue
		}
		size += info.Size()
	}
	return size, nil
}

// writeFile writes data to a temp file, then renames it to the key's file
func (store *DiskCacheStore) writeFile(key string, data []byte) error {
	err := os.MkdirAll(store.rootPath, 0777)
	if err != nil {
		return xerrors.Errorf("failed to make dir %s: %w", store.rootPath, err)
	}

	filePath := store.GetFilePath(key)
	tempPath := filepath.Join(store.rootPath, tempFilePrefix+key+"."+xid.New().String()+tempFileSuffix)

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return xerrors.Errorf("failed to create temp cache file %s: %w", tempPath, err)
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()

	if err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("failed to write temp cache file %s: %w", tempPath, err)
	}

	if closeErr != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("failed to close temp cache file %s: %w", tempPath, closeErr)
	}

	err = os.Rename(tempPath, filePath)
	if err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("failed to rename temp cache file %s to %s: %w", tempPath, filePath, err)
	}

	return nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, tempFilePrefix) && strings.HasSuffix(name, tempFileSuffix)
}

// isValidFileKey checks if the key can be used as a plain file name in the cache dir
func isValidFileKey(key string) bool {
	if len(key) == 0 || strings.HasPrefix(key, tempFilePrefix) {
		return false
	}

	return !strings.ContainsAny(key, `/\`)
}
