package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics counts engine operations by outcome. It satisfies the engine's
// observer hook.
type MarketMetrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	settled  prometheus.Counter
	claims   prometheus.Counter
	keeper   *prometheus.CounterVec
}

// Market is the process-wide instance registered by Init.
var Market = NewMarketMetrics()

func NewMarketMetrics() *MarketMetrics {
	return &MarketMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_operations_total",
			Help: "Engine operations by name and result code.",
		}, []string{"op", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_operation_duration_seconds",
			Help:    "Engine operation latency in seconds.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
		}, []string{"op"}),
		settled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_posts_settled_total",
			Help: "Posts settled.",
		}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_rewards_claimed_total",
			Help: "Reward claims recorded.",
		}),
		keeper: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_keeper_actions_total",
			Help: "Keeper sweep actions by kind and result.",
		}, []string{"action", "result"}),
	}
}

func (m *MarketMetrics) MustRegister(r prometheus.Registerer) {
	r.MustRegister(m.ops, m.duration, m.settled, m.claims, m.keeper)
}

// ObserveOperation records one engine call. code is "ok" on success.
func (m *MarketMetrics) ObserveOperation(op, code string, elapsed time.Duration) {
	m.ops.WithLabelValues(op, code).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
	if code != "ok" {
		return
	}
	switch op {
	case "settle_post":
		m.settled.Inc()
	case "claim_post_reward":
		m.claims.Inc()
	}
}

// ObserveKeeper records one keeper action; result is "ok", "skip" or "error".
func (m *MarketMetrics) ObserveKeeper(action, result string) {
	m.keeper.WithLabelValues(action, result).Inc()
}
