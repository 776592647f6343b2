package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RideRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_wallet", Name: "ride_requests_total", Help: "Total ride requests recorded"})
	PaymentsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_wallet", Name: "payments_total", Help: "Ride payment attempts by result"}, []string{"result"})
	FundingTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_wallet", Name: "funding_total", Help: "Wallet funding attempts by result"}, []string{"result"})
	WalletBalance     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_wallet", Name: "wallet_balance", Help: "Current wallet balance"})
	PublishFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_wallet", Name: "event_publish_failures_total", Help: "Ledger events that could not be published"})
	WSSessions        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_wallet", Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_wallet", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_wallet",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
