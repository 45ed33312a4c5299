package prometheus

import (
	"strconv"
	"time"

	"integration-service/pkg/config"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Credential metrics
	CredentialCreatedCounter prometheus.Counter
	CredentialRotatedCounter prometheus.Counter
	ActiveCredentialsGauge   prometheus.Gauge
	AuthErrorCounter         *prometheus.CounterVec

	// Connection metrics
	OpenConnectionsGauge    prometheus.Gauge
	ConnectionOpenedCounter prometheus.Counter
	ConnectionClosedCounter prometheus.Counter
	ConnectionLimitCounter  prometheus.Counter

	// Webhook delivery metrics
	DeliveriesEnqueuedCounter *prometheus.CounterVec
	DeliveryResultCounter     *prometheus.CounterVec
	DeliveriesInFlightGauge   prometheus.Gauge
	DispatchDurationHistogram prometheus.Histogram

	// Database operation metrics
	DBOperationHistogram *prometheus.HistogramVec

	// Request metrics
	RequestDurationHistogram *prometheus.HistogramVec
	APIRequestCounter        *prometheus.CounterVec

	// Namespace prefix for metrics
	namespace string
)

// InitMetrics initializes all Prometheus metrics
func InitMetrics(cfg *config.Config) {
	namespace = cfg.Metrics.Prefix

	// Credential metrics
	CredentialCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credentials_created_total",
		Help:      "Total number of API credentials created",
	})

	CredentialRotatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credentials_rotated_total",
		Help:      "Total number of API credential rotations",
	})

	ActiveCredentialsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_credentials",
		Help:      "Number of currently active API credentials",
	})

	AuthErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_errors_total",
			Help:      "Total number of authentication errors",
		},
		[]string{"type"}, // type can be "not_found", "inactive", "invalid_token" etc.
	)

	// Connection metrics
	OpenConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_connections",
		Help:      "Number of currently open integration connections",
	})

	ConnectionOpenedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_opened_total",
		Help:      "Total number of integration connections opened",
	})

	ConnectionClosedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_closed_total",
		Help:      "Total number of integration connections closed",
	})

	ConnectionLimitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_limit_rejections_total",
		Help:      "Total number of connection attempts rejected by the limit",
	})

	// Webhook delivery metrics
	DeliveriesEnqueuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_enqueued_total",
			Help:      "Total number of webhook deliveries enqueued",
		},
		[]string{"event_type"},
	)

	DeliveryResultCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_results_total",
			Help:      "Total number of webhook delivery attempts by result",
		},
		[]string{"result"}, // result is "success" or "failure"
	)

	DeliveriesInFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deliveries_in_flight",
		Help:      "Number of webhook deliveries currently being dispatched",
	})

	DispatchDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of individual webhook dispatch calls in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// Database operation metrics
	DBOperationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Duration of database operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Request metrics
	RequestDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	APIRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
}

// HandlerFunc returns a HTTP handler for the metrics endpoint
func HandlerFunc() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// MetricsMiddleware returns an Echo middleware tracking request counts and durations
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Process the request
			err := next(c)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(c.Response().Status)

			labels := prometheus.Labels{
				"method": c.Request().Method,
				"path":   c.Path(),
				"status": status,
			}
			APIRequestCounter.With(labels).Inc()
			RequestDurationHistogram.With(labels).Observe(duration)

			return err
		}
	}
}

// TrackDBOperation returns a function that tracks database operation duration
func TrackDBOperation(operation string) func(time.Time) {
	return func(startTime time.Time) {
		duration := time.Since(startTime).Seconds()
		DBOperationHistogram.With(prometheus.Labels{
			"operation": operation,
		}).Observe(duration)
	}
}

// RecordAuthError records an authentication error by type
func RecordAuthError(errorType string) {
	if AuthErrorCounter != nil {
		AuthErrorCounter.With(prometheus.Labels{"type": errorType}).Inc()
	}
}

// SetActiveCredentials sets the active credential gauge to a count taken
// from the database, so the gauge survives restarts and status changes
func SetActiveCredentials(count int64) {
	if ActiveCredentialsGauge != nil {
		ActiveCredentialsGauge.Set(float64(count))
	}
}

// RecordDeliveryResult records the outcome of a dispatch attempt
func RecordDeliveryResult(result string) {
	if DeliveryResultCounter != nil {
		DeliveryResultCounter.With(prometheus.Labels{"result": result}).Inc()
	}
}

// RecordDeliveryEnqueued records a delivery enqueued for an event type
func RecordDeliveryEnqueued(eventType string) {
	if DeliveriesEnqueuedCounter != nil {
		DeliveriesEnqueuedCounter.With(prometheus.Labels{"event_type": eventType}).Inc()
	}
}

// DeliveryInFlightInc marks a dispatch call as started
func DeliveryInFlightInc() {
	if DeliveriesInFlightGauge != nil {
		DeliveriesInFlightGauge.Inc()
	}
}

// DeliveryInFlightDec marks a dispatch call as finished
func DeliveryInFlightDec() {
	if DeliveriesInFlightGauge != nil {
		DeliveriesInFlightGauge.Dec()
	}
}

// TrackDispatch returns a function that tracks dispatch call duration
func TrackDispatch() func(time.Time) {
	return func(startTime time.Time) {
		if DispatchDurationHistogram != nil {
			DispatchDurationHistogram.Observe(time.Since(startTime).Seconds())
		}
	}
}
