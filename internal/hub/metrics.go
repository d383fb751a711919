package hub

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	connections *prometheus.GaugeVec   // by channel: feed, topics
	messages    prometheus.Counter     // stored and broadcast
	rejected    *prometheus.CounterVec // by reason
	duplicates  prometheus.Counter     // sends answered from the nonce index
	topics      prometheus.Counter
	dropped     prometheus.Counter // slow clients disconnected
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agora",
			Name:      "live_connections",
			Help:      "Open live websocket connections.",
		}, []string{"channel"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "messages_total",
			Help:      "Messages stored and broadcast.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "sends_rejected_total",
			Help:      "Inbound sends rejected, by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "sends_duplicate_total",
			Help:      "Inbound sends whose nonce was already stored.",
		}),
		topics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "topics_total",
			Help:      "Topics created.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "slow_clients_dropped_total",
			Help:      "Clients disconnected because their send buffer was full.",
		}),
	}
	for _, c := range []prometheus.Collector{m.connections, m.messages, m.rejected, m.duplicates, m.topics, m.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func channelLabel(topics bool) string {
	if topics {
		return "topics"
	}
	return "feed"
}
