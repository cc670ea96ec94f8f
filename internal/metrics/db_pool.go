package metrics

import "database/sql"

// PoolRecorder turns successive sql.DBStats samples into pool metrics.
// DBStats reports waits and closes as running totals since the pool was
// opened, so the recorder adds only the growth since its last sample.
// A PoolRecorder is not safe for concurrent use.
type PoolRecorder struct {
	last sql.DBStats
}

// Record publishes one sample.
func (p *PoolRecorder) Record(stats sql.DBStats) {
	DBConnectionPoolSize.WithLabelValues("in_use").Set(float64(stats.InUse))
	DBConnectionPoolSize.WithLabelValues("idle").Set(float64(stats.Idle))
	DBConnectionPoolSize.WithLabelValues("open").Set(float64(stats.OpenConnections))
	DBConnectionPoolSize.WithLabelValues("max").Set(float64(stats.MaxOpenConnections))

	if d := stats.WaitCount - p.last.WaitCount; d > 0 {
		DBPoolWaits.Add(float64(d))
	}
	if d := stats.WaitDuration - p.last.WaitDuration; d > 0 {
		DBPoolWaitSeconds.Add(d.Seconds())
	}
	addClosed("max_idle", stats.MaxIdleClosed-p.last.MaxIdleClosed)
	addClosed("max_idle_time", stats.MaxIdleTimeClosed-p.last.MaxIdleTimeClosed)
	addClosed("max_lifetime", stats.MaxLifetimeClosed-p.last.MaxLifetimeClosed)

	p.last = stats
}

func addClosed(reason string, n int64) {
	if n > 0 {
		DBPoolClosed.WithLabelValues(reason).Add(float64(n))
	}
}
