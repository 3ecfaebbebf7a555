// Package metrics exposes Prometheus counters for registrations and pushes.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-pushkey-service/internal/directory"
	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

const (
	OutcomeDelivered      = "delivered"
	OutcomeFailed         = "failed"
	OutcomeTransportError = "transport_error"
	OutcomeInvalid        = "invalid_input"
	OutcomeError          = "error"
)

type Recorder struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
}

// NewRecorder registers the service counters on a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushkey_registrations_total",
			Help: "Device registrations by path (fresh or rotated).",
		}, []string{"path"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushkey_dispatch_total",
			Help: "Push dispatch attempts by outcome.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(r.registrations, r.dispatches)
	return r
}

// ObserveRegistration satisfies directory.Observer.
func (r *Recorder) ObserveRegistration(path directory.RegisterPath) {
	r.registrations.WithLabelValues(string(path)).Inc()
}

// ObserveDispatch counts a Send result.
func (r *Recorder) ObserveDispatch(outcome pushkey.Outcome, err error) {
	r.dispatches.WithLabelValues(classify(outcome, err)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registrations returns the counter for a path, for tests and diagnostics.
func (r *Recorder) Registrations(path directory.RegisterPath) prometheus.Counter {
	return r.registrations.WithLabelValues(string(path))
}

// Dispatches returns the counter for an outcome label.
func (r *Recorder) Dispatches(outcome string) prometheus.Counter {
	return r.dispatches.WithLabelValues(outcome)
}

func classify(outcome pushkey.Outcome, err error) string {
	switch {
	case err == nil && outcome.IsDelivered():
		return OutcomeDelivered
	case err == nil:
		return OutcomeFailed
	case errors.Is(err, pushkey.ErrTransport):
		return OutcomeTransportError
	case errors.Is(err, pushkey.ErrInvalidInput):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}

// InstrumentedDispatcher counts every Send of the wrapped dispatcher.
type InstrumentedDispatcher struct {
	next     pushkey.Dispatcher
	recorder *Recorder
}

func InstrumentDispatcher(next pushkey.Dispatcher, recorder *Recorder) *InstrumentedDispatcher {
	return &InstrumentedDispatcher{next: next, recorder: recorder}
}

func (d *InstrumentedDispatcher) Send(ctx context.Context, token string, req pushkey.PushRequest) (pushkey.Outcome, error) {
	outcome, err := d.next.Send(ctx, token, req)
	d.recorder.ObserveDispatch(outcome, err)
	return outcome, err
}

// Close releases the wrapped dispatcher's resources, if it holds any.
func (d *InstrumentedDispatcher) Close() {
	if c, ok := d.next.(interface{ Close() }); ok {
		c.Close()
	}
}
