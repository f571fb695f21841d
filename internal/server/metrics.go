package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ash-run/bridge/internal/pool"
	"github.com/ash-run/bridge/internal/runner"
)

// handleHealth implements spec.md §6's unauthenticated /health: the pool
// stats snapshot of this process's own sandbox pool. A control-plane
// replica with no Local backend of its own (pure MODE=coordinator, no
// colocated worker) reports a zero-value snapshot — stats are per-process,
// not an aggregate across the cluster's runners, per the same "process-wide
// global state" design note spec.md §9 applies to the pool itself.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.poolStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) poolStats(ctx context.Context) (pool.Stats, error) {
	if s.Local != nil {
		return s.Local.GetStats(ctx)
	}
	return pool.Stats{}, nil
}

// poolCollector adapts poolStats to prometheus.Collector, reading fresh
// values at every scrape rather than caching — spec.md §9's "monotonic
// counters" live in the pool itself, this is just exposition.
type poolCollector struct {
	s *Server
}

var (
	poolDesc = map[string]*prometheus.Desc{
		"total":                prometheus.NewDesc("ash_pool_total", "Total sandbox rows.", nil, nil),
		"cold":                 prometheus.NewDesc("ash_pool_cold", "Sandboxes in the cold state.", nil, nil),
		"warming":              prometheus.NewDesc("ash_pool_warming", "Sandboxes in the warming state.", nil, nil),
		"warm":                 prometheus.NewDesc("ash_pool_warm", "Sandboxes in the warm state.", nil, nil),
		"waiting":              prometheus.NewDesc("ash_pool_waiting", "Sandboxes in the waiting state.", nil, nil),
		"running":              prometheus.NewDesc("ash_pool_running", "Sandboxes in the running state.", nil, nil),
		"maxCapacity":          prometheus.NewDesc("ash_pool_max_capacity", "Configured MAX_SANDBOXES.", nil, nil),
		"resumeWarmHits":       prometheus.NewDesc("ash_pool_resume_warm_hits", "Warm-resume hits.", nil, nil),
		"resumeColdHits":       prometheus.NewDesc("ash_pool_resume_cold_hits", "Cold-resume hits (all sources).", nil, nil),
		"resumeColdLocalHits":  prometheus.NewDesc("ash_pool_resume_cold_local_hits", "Cold-resume hits restored from the local disk tier.", nil, nil),
		"resumeColdCloudHits":  prometheus.NewDesc("ash_pool_resume_cold_cloud_hits", "Cold-resume hits restored from the cloud mirror tier.", nil, nil),
		"resumeColdFreshHits":  prometheus.NewDesc("ash_pool_resume_cold_fresh_hits", "Cold-resume hits that found nothing to restore (fresh workspace).", nil, nil),
		"diskUsedBytes":        prometheus.NewDesc("ash_host_disk_used_bytes", "Used bytes on the data directory's host filesystem.", nil, nil),
		"diskTotalBytes":       prometheus.NewDesc("ash_host_disk_total_bytes", "Total bytes on the data directory's host filesystem.", nil, nil),
	}
	runnersHealthyDesc = prometheus.NewDesc("ash_runners_healthy", "Runners with a heartbeat within the liveness window.", nil, nil)
	runnersTotalDesc   = prometheus.NewDesc("ash_runners_total", "Total registered runners.", nil, nil)
)

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range poolDesc {
		ch <- d
	}
	// The runner gauges are always described: New registers this collector
	// before Coordinator is set, and the registry rejects any collected
	// metric whose descriptor was not described at registration.
	ch <- runnersHealthyDesc
	ch <- runnersTotalDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	stats, err := c.s.poolStats(ctx)
	if err == nil {
		ch <- prometheus.MustNewConstMetric(poolDesc["total"], prometheus.GaugeValue, float64(stats.Total))
		ch <- prometheus.MustNewConstMetric(poolDesc["cold"], prometheus.GaugeValue, float64(stats.Cold))
		ch <- prometheus.MustNewConstMetric(poolDesc["warming"], prometheus.GaugeValue, float64(stats.Warming))
		ch <- prometheus.MustNewConstMetric(poolDesc["warm"], prometheus.GaugeValue, float64(stats.Warm))
		ch <- prometheus.MustNewConstMetric(poolDesc["waiting"], prometheus.GaugeValue, float64(stats.Waiting))
		ch <- prometheus.MustNewConstMetric(poolDesc["running"], prometheus.GaugeValue, float64(stats.Running))
		ch <- prometheus.MustNewConstMetric(poolDesc["maxCapacity"], prometheus.GaugeValue, float64(stats.MaxCapacity))
		ch <- prometheus.MustNewConstMetric(poolDesc["resumeWarmHits"], prometheus.CounterValue, float64(stats.ResumeWarmHits))
		ch <- prometheus.MustNewConstMetric(poolDesc["resumeColdHits"], prometheus.CounterValue, float64(stats.ResumeColdHits))
		ch <- prometheus.MustNewConstMetric(poolDesc["resumeColdLocalHits"], prometheus.CounterValue, float64(stats.ResumeColdLocalHits))
		ch <- prometheus.MustNewConstMetric(poolDesc["resumeColdCloudHits"], prometheus.CounterValue, float64(stats.ResumeColdCloudHits))
		ch <- prometheus.MustNewConstMetric(poolDesc["resumeColdFreshHits"], prometheus.CounterValue, float64(stats.ResumeColdFreshHits))
		ch <- prometheus.MustNewConstMetric(poolDesc["diskUsedBytes"], prometheus.GaugeValue, float64(stats.DiskUsedBytes))
		ch <- prometheus.MustNewConstMetric(poolDesc["diskTotalBytes"], prometheus.GaugeValue, float64(stats.DiskTotalBytes))
	}

	if c.s.Coordinator != nil {
		db := c.s.Coordinator.DB()
		if total, err := db.CountRunners(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(runnersTotalDesc, prometheus.GaugeValue, float64(total))
		}
		if healthy, err := db.CountHealthyRunners(ctx, time.Now().Add(-runner.LivenessTimeout)); err == nil {
			ch <- prometheus.MustNewConstMetric(runnersHealthyDesc, prometheus.GaugeValue, float64(healthy))
		}
	}
}
