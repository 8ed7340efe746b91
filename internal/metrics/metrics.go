// Package metrics holds the prometheus counters of the node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ppspp"

type Metrics struct {
	BytesSent           prometheus.Counter
	BytesReceived       prometheus.Counter
	ChunksSent          prometheus.Counter
	ChunksReceived      prometheus.Counter
	ChunksRetransmitted prometheus.Counter
	DialsStarted        prometheus.Counter
	Members             prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Datagram bytes sent to members.",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Datagram bytes received from members.",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_sent_total",
			Help: "New chunks sent in DATA messages.",
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_received_total",
			Help: "Chunks received and stored.",
		}),
		ChunksRetransmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_retransmitted_total",
			Help: "Chunks sent again after the loss heuristic fired.",
		}),
		DialsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dials_started_total",
			Help: "Outbound TCP connection attempts.",
		}),
		Members: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "members",
			Help: "Members across all swarms.",
		}),
	}
}

// NewUnregistered returns counters that are not exported anywhere.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
