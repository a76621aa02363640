package metrics

import (
	"fmt"
	"net/http"

	"github.com/cellbench/cellbench/global"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

type (
	Environment interface {
		global.Logging
		MetricsRegistry() *prometheus.Registry
	}

	// Bench counts submission outcomes and mirrors the ledger state
	Bench struct {
		TxSubmitted   prometheus.Counter
		TxAccepted    prometheus.Counter
		TxRejected    prometheus.Counter
		TxUnreachable prometheus.Counter
		LiveCells     prometheus.Gauge
		SyncedHeight  prometheus.Gauge
	}
)

func NewBench(reg *prometheus.Registry) *Bench {
	ret := &Bench{
		TxSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellbench_tx_submitted_total",
			Help: "transactions submitted to the node",
		}),
		TxAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellbench_tx_accepted_total",
			Help: "transactions accepted by the node",
		}),
		TxRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellbench_tx_rejected_total",
			Help: "transactions refused by the node",
		}),
		TxUnreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellbench_tx_unreachable_total",
			Help: "submissions lost to timeouts or transport failures",
		}),
		LiveCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellbench_live_cells",
			Help: "live cells across all tracked accounts",
		}),
		SyncedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellbench_synced_height",
			Help: "height the local ledger is synchronized to",
		}),
	}
	reg.MustRegister(ret.TxSubmitted, ret.TxAccepted, ret.TxRejected, ret.TxUnreachable, ret.LiveCells, ret.SyncedHeight)
	return ret
}

// Start exposes the registry on /metrics if metrics.port is configured
func Start(env Environment) {
	port := viper.GetInt("metrics.port")
	if port == 0 {
		env.Log().Infof("metrics.port not specified, Prometheus metrics not exposed")
		return
	}
	env.MetricsRegistry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(
			env.MetricsRegistry(),
			promhttp.HandlerOpts{
				Registry: env.MetricsRegistry(),
			},
		))
		env.Log().Fatal(http.ListenAndServe(fmt.Sprintf(":%d", port), nil))
	}()
	env.Log().Infof("Prometheus metrics exposed on port %d", port)
}
