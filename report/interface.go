package report

// CacheTier names the cache tier an event happened in
type CacheTier string

const (
	// CacheTierMemory is the in-memory tier
	CacheTierMemory CacheTier = "memory"
	// CacheTierDisk is the on-disk tier
	CacheTierDisk CacheTier = "disk"
)

// CacheReportClient is a client interface to report cache events
type CacheReportClient interface {
	Release()

	Hit(tier CacheTier)
	Miss(tier CacheTier)
	Expire(tier CacheTier)
	Evict(tier CacheTier, count int)
	Clear(tier CacheTier)
	Reject(tier CacheTier)
	Promote()
}

// NopReporter drops every event, implements CacheReportClient
type NopReporter struct{}

// NewNopReporter creates a new NopReporter
func NewNopReporter() CacheReportClient {
	return &NopReporter{}
}

// Release releases resources used
func (reporter *NopReporter) Release() {}

// Hit reports a cache hit
func (reporter *NopReporter) Hit(tier CacheTier) {}

// Miss reports a cache miss
func (reporter *NopReporter) Miss(tier CacheTier) {}

// Expire reports removal of an expired entry
func (reporter *NopReporter) Expire(tier CacheTier) {}

// Evict reports eviction of entries
func (reporter *NopReporter) Evict(tier CacheTier, count int) {}

// Clear reports a full clear
func (reporter *NopReporter) Clear(tier CacheTier) {}

// Reject reports an entry that could not be stored
func (reporter *NopReporter) Reject(tier CacheTier) {}

// Promote reports a disk hit copied into memory
func (reporter *NopReporter) Promote() {}
