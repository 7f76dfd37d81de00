package contest

import "github.com/prometheus/client_golang/prometheus"

var (
	leaderGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "contest",
		Subsystem: "election",
		Name:      "leader_bool",
		Help:      "Whether or not this contestant currently holds leadership",
	}, []string{"contestant"})

	electionsWon = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contest",
		Subsystem: "election",
		Name:      "elections_won_total",
		Help:      "Number of times this contestant became leader",
	}, []string{"contestant"})

	relinquishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contest",
		Subsystem: "election",
		Name:      "relinquishments_total",
		Help:      "Number of times this contestant voluntarily gave up leadership",
	}, []string{"contestant"})
)

func init() {
	prometheus.MustRegister(
		leaderGauge,
		electionsWon,
		relinquishCounter)
}
