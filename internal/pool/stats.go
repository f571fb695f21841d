package pool

import "sync/atomic"

// Stats mirrors spec.md §6's pool-stats shape, emitted via /health and
// /metrics.
type Stats struct {
	Total       int64
	Cold        int64
	Warming     int64
	Warm        int64
	Waiting     int64
	Running     int64
	MaxCapacity int64

	ResumeWarmHits      int64
	ResumeColdHits      int64
	ResumeColdLocalHits int64
	ResumeColdCloudHits int64
	ResumeColdFreshHits int64

	// DiskUsedBytes/DiskTotalBytes are the host filesystem's usage under the
	// data directory (rlimit.DataDirUsage) — ops visibility distinct from
	// DiskSweeper's per-sandbox quota enforcement. Zero when unavailable.
	DiskUsedBytes  uint64
	DiskTotalBytes uint64
}

// counters holds the monotonic resume-source counters (spec.md §9:
// "monotonic counters... replace in-memory mutable state where possible").
type counters struct {
	resumeWarm      int64
	resumeColdLocal int64
	resumeColdCloud int64
	resumeColdFresh int64
}

func (c *counters) recordWarm()  { atomic.AddInt64(&c.resumeWarm, 1) }
func (c *counters) recordLocal() { atomic.AddInt64(&c.resumeColdLocal, 1) }
func (c *counters) recordCloud() { atomic.AddInt64(&c.resumeColdCloud, 1) }
func (c *counters) recordFresh() { atomic.AddInt64(&c.resumeColdFresh, 1) }

func (c *counters) snapshot() (warm, local, cloud, fresh int64) {
	return atomic.LoadInt64(&c.resumeWarm),
		atomic.LoadInt64(&c.resumeColdLocal),
		atomic.LoadInt64(&c.resumeColdCloud),
		atomic.LoadInt64(&c.resumeColdFresh)
}
