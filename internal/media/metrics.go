package media

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for storage operations and upload attempts.
type Observer interface {
	RecordUpload(duration time.Duration, sizeBytes uint64, err error)
	RecordDelete(duration time.Duration, err error)
	RecordUploadAttempt(attempt int, err error)
}

// PrometheusObserver exports storage metrics to Prometheus.
type PrometheusObserver struct {
	duration      *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	attempts      *prometheus.CounterVec
}

// NewPrometheusObserver registers the storage metrics under namespace. Collectors already registered by an earlier
// call are reused, so the observer can be created more than once per process.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "vitrine_storage"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &PrometheusObserver{}
	if o.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency for storage operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_errors_total",
		Help:      "Count of storage operation failures.",
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if o.uploadedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploaded_bytes_total",
		Help:      "Cumulative payload size successfully written to object storage.",
	})); err != nil {
		return nil, err
	}
	if o.attempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_attempts_total",
		Help:      "Upload attempts by attempt number and outcome.",
	}, []string{"attempt", "outcome"})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register storage metric: %w", err)
	}
	return c, nil
}

// RecordUpload tracks upload duration, size, and failures.
func (o *PrometheusObserver) RecordUpload(duration time.Duration, sizeBytes uint64, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("upload").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("upload").Inc()
		return
	}
	o.uploadedBytes.Add(float64(sizeBytes))
}

func (o *PrometheusObserver) RecordDelete(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("delete").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("delete").Inc()
	}
}

func (o *PrometheusObserver) RecordUploadAttempt(attempt int, err error) {
	if o == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.attempts.WithLabelValues(strconv.Itoa(attempt), outcome).Inc()
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) RecordUpload(time.Duration, uint64, error) {}

func (NopObserver) RecordDelete(time.Duration, error) {}

func (NopObserver) RecordUploadAttempt(int, error) {}
