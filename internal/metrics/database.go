package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the part of *pgxpool.Pool the collector reads.
type PoolStats interface {
	Stat() *pgxpool.Stat
}

// PoolCollector exports pgx pool statistics at scrape time. Loader
// instances keep their pools small, so acquire waits are the first sign
// that batches are queuing behind each other.
type PoolCollector struct {
	pool PoolStats

	total        *prometheus.Desc
	acquired     *prometheus.Desc
	idle         *prometheus.Desc
	max          *prometheus.Desc
	waits        *prometheus.Desc
	acquireTime  *prometheus.Desc
	canceled     *prometheus.Desc
	constructing *prometheus.Desc
}

func NewPoolCollector(pool PoolStats) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, nil)
	}
	return &PoolCollector{
		pool:         pool,
		total:        desc("connections", "Open connections, idle or acquired"),
		acquired:     desc("connections_acquired", "Connections currently held by a batch or job"),
		idle:         desc("connections_idle", "Idle connections"),
		max:          desc("connections_max", "Configured pool size"),
		waits:        desc("acquire_waits_total", "Acquires that found no idle connection and had to wait"),
		acquireTime:  desc("acquire_seconds_total", "Cumulative time spent acquiring connections"),
		canceled:     desc("acquire_canceled_total", "Acquires abandoned because their context ended"),
		constructing: desc("connections_constructing", "Connections being established"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.total, c.acquired, c.idle, c.max, c.waits, c.acquireTime, c.canceled, c.constructing} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	stat := c.pool.Stat()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(c.total, float64(stat.TotalConns()))
	gauge(c.acquired, float64(stat.AcquiredConns()))
	gauge(c.idle, float64(stat.IdleConns()))
	gauge(c.max, float64(stat.MaxConns()))
	gauge(c.constructing, float64(stat.ConstructingConns()))
	counter(c.waits, float64(stat.EmptyAcquireCount()))
	counter(c.acquireTime, stat.AcquireDuration().Seconds())
	counter(c.canceled, float64(stat.CanceledAcquireCount()))
}
