package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes the history pool's connection counts. It
// registers with the default registry and must be called once per process.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	gauge := func(name, help string, value func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sitebackup_pgxpool_" + name,
			Help: help,
		}, func() float64 {
			return float64(value(pool.Stat()))
		})
	}

	prometheus.MustRegister(
		gauge("acquired_conns", "Connections currently checked out by a run or request", (*pgxpool.Stat).AcquiredConns),
		gauge("idle_conns", "Idle connections held by the pool", (*pgxpool.Stat).IdleConns),
		gauge("total_conns", "Connections open in the pool", (*pgxpool.Stat).TotalConns),
		gauge("max_conns", "Configured pool size", (*pgxpool.Stat).MaxConns),
	)
}
