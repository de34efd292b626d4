package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecodeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixtrack_attribution_decode_total",
			Help: "Deep-link tokens decoded, by scheme and whether the decode degraded.",
		},
		[]string{"scheme", "degraded"},
	)

	WebhookTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixtrack_webhook_events_total",
			Help: "Payment status events processed, by outcome.",
		},
		[]string{"outcome"},
	)

	TransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixtrack_transaction_transitions_total",
			Help: "Applied transaction status transitions, by target status.",
		},
		[]string{"status"},
	)

	ConversionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixtrack_conversions_total",
			Help: "Conversion emission results.",
		},
		[]string{"result"},
	)

	ChargeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixtrack_pix_charges_total",
			Help: "PIX charge requests, by result.",
		},
		[]string{"result"},
	)
)

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{DecodeTotal, WebhookTotal, TransitionTotal, ConversionTotal, ChargeTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
