package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a snapshot of the audit export connection pool.
type PoolStats struct {
	Total         int32
	Idle          int32
	Acquired      int32
	Max           int32
	EmptyAcquires int64
}

// DBPoolStatFunc returns pool statistics without importing pgxpool.
type DBPoolStatFunc func() PoolStats

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc         *prometheus.Desc
	idleDesc          *prometheus.Desc
	acquiredDesc      *prometheus.Desc
	maxDesc           *prometheus.Desc
	emptyAcquiresDesc *prometheus.Desc
}

// NewDBPoolCollector creates a collector that reads pool stats at scrape time.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("tollbooth_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		statFunc:          statFunc,
		totalDesc:         desc("total_conns", "Total number of connections in the export pool."),
		idleDesc:          desc("idle_conns", "Number of idle connections in the export pool."),
		acquiredDesc:      desc("acquired_conns", "Number of acquired connections in the export pool."),
		maxDesc:           desc("max_conns", "Maximum size of the export pool."),
		emptyAcquiresDesc: desc("empty_acquires_total", "Acquires that had to wait for a connection."),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
	ch <- c.maxDesc
	ch <- c.emptyAcquiresDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.maxDesc, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquiresDesc, prometheus.CounterValue, float64(s.EmptyAcquires))
}
