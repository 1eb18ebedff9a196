package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	LiveViewsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_live_views_active",
			Help: "Chat views currently subscribed to the message feed",
		},
	)

	SnapshotsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_snapshots_delivered_total",
			Help: "Full message snapshots delivered to chat views",
		},
	)

	ChatActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_actions_total",
			Help: "Chat actions by kind and outcome",
		},
		[]string{"action", "outcome"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_notifications_total",
			Help: "Email notifications attempted by result",
		},
		[]string{"kind", "result"},
	)
)
