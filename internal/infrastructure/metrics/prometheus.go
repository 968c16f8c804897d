// Package metrics exposes the bot's Prometheus collectors.
//
//   - gridbot_orders_placed_total{engine,side,type}
//   - gridbot_orders_cancelled_total{engine}
//   - gridbot_fills_inferred_total{engine}
//   - gridbot_placement_skips_total{engine,reason}
//   - gridbot_kill_switch_total
//   - gridbot_active_levels{engine}
//   - gridbot_equity / gridbot_balance / gridbot_drawdown_pct / gridbot_margin_ratio_pct
//   - gridbot_cycles_total, gridbot_cycle_duration_seconds
//
// Collectors are registered with the default registry in init() and served
// by the control API at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_placed_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"engine", "side", "type"},
	)

	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_cancelled_total",
			Help: "Orders cancelled by the bot",
		},
		[]string{"engine"},
	)

	FillsInferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_fills_inferred_total",
			Help: "Levels marked filled because their order left the open-order snapshot",
		},
		[]string{"engine"},
	)

	// reason: max_active, max_orders, volatility, throttle, rejected
	PlacementSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_placement_skips_total",
			Help: "Placement opportunities skipped by a guard or rejected by the exchange",
		},
		[]string{"engine", "reason"},
	)

	KillSwitch = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridbot_kill_switch_total",
			Help: "Kill switch activations",
		},
	)

	ActiveLevels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_active_levels",
			Help: "Levels with a resting order",
		},
		[]string{"engine"},
	)

	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_equity",
		Help: "Account equity in quote currency",
	})

	Balance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_balance",
		Help: "Wallet balance in quote currency",
	})

	DrawdownPct = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_drawdown_pct",
		Help: "Current drawdown from peak balance in percent",
	})

	MarginRatioPct = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_margin_ratio_pct",
		Help: "Initial margin used over equity in percent",
	})

	Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridbot_cycles_total",
		Help: "Completed control loop iterations",
	})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridbot_cycle_duration_seconds",
		Help:    "Wall time of one control loop iteration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersCancelled,
		FillsInferred,
		PlacementSkips,
		KillSwitch,
		ActiveLevels,
		Equity,
		Balance,
		DrawdownPct,
		MarginRatioPct,
		Cycles,
		CycleDuration,
	)
}
