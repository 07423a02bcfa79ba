package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutorhub/enrollment-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the admission
// and reservation pipeline.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	admissionsTotal   *prometheus.CounterVec
	promotionsTotal   prometheus.Counter
	withdrawalsTotal  prometheus.Counter
	reservationsTotal *prometheus.CounterVec
	waitlistDepth     *prometheus.GaugeVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	admissionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admissions_total",
		Help: "Total admission decisions by outcome",
	}, []string{"outcome"})

	promotionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waitlist_promotions_total",
		Help: "Total waiting-list promotions",
	})

	withdrawalsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "withdrawals_total",
		Help: "Total withdrawals of active enrollments",
	})

	reservationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_reservations_total",
		Help: "Total session reservations created by seat mode",
	}, []string{"mode"})

	waitlistDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waitlist_depth",
		Help: "Current waiting-list length per group",
	}, []string{"group_id"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, admissionsTotal, promotionsTotal, withdrawalsTotal, reservationsTotal, waitlistDepth, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		admissionsTotal:   admissionsTotal,
		promotionsTotal:   promotionsTotal,
		withdrawalsTotal:  withdrawalsTotal,
		reservationsTotal: reservationsTotal,
		waitlistDepth:     waitlistDepth,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// IncAdmission records an admission decision outcome.
func (m *MetricsService) IncAdmission(status models.EnrollmentStatus) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(string(status)).Inc()
}

// IncPromotion records a waiting-list promotion.
func (m *MetricsService) IncPromotion() {
	if m == nil {
		return
	}
	m.promotionsTotal.Inc()
}

// IncWithdrawal records a withdrawal of an active enrollment.
func (m *MetricsService) IncWithdrawal() {
	if m == nil {
		return
	}
	m.withdrawalsTotal.Inc()
}

// IncReservation records a created reservation by seat mode.
func (m *MetricsService) IncReservation(mode models.ReservationMode) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(string(mode)).Inc()
}

// SetWaitlistDepth updates the queue length gauge for a group.
func (m *MetricsService) SetWaitlistDepth(groupID string, depth int) {
	if m == nil {
		return
	}
	m.waitlistDepth.WithLabelValues(groupID).Set(float64(depth))
}
