// Package metrics exports runner activity as OpenTelemetry instruments in
// Prometheus format.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// StateSource reports the current status label of every registered recipe.
type StateSource interface {
	Statuses() map[string]string
}

// Exporter owns the meter provider and the instruments runners report to.
type Exporter struct {
	meterProvider *sdkmetric.MeterProvider
	registry      *promclient.Registry
	meter         metric.Meter

	cycles        metric.Int64Counter
	fetchFailures metric.Int64Counter
	evaluated     metric.Int64Counter
	dispatches    metric.Int64Counter
	runnerState   metric.Int64ObservableGauge

	states StateSource
}

// New creates an exporter backed by a private Prometheus registry. states
// may be nil until the manager exists; see SetStateSource.
func New(states StateSource) (*Exporter, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := meterProvider.Meter("tablewatch", metric.WithInstrumentationVersion("1.0.0"))

	e := &Exporter{
		meterProvider: meterProvider,
		registry:      registry,
		meter:         meter,
		states:        states,
	}
	if err := e.registerInstruments(); err != nil {
		return nil, fmt.Errorf("registering instruments: %w", err)
	}
	return e, nil
}

func (e *Exporter) registerInstruments() error {
	var err error

	e.cycles, err = e.meter.Int64Counter("tablewatch.cycles",
		metric.WithDescription("Completed poll cycles per recipe"))
	if err != nil {
		return fmt.Errorf("creating cycles counter: %w", err)
	}

	e.fetchFailures, err = e.meter.Int64Counter("tablewatch.fetch.failures",
		metric.WithDescription("Snapshot fetches that failed per recipe"))
	if err != nil {
		return fmt.Errorf("creating fetch failures counter: %w", err)
	}

	e.evaluated, err = e.meter.Int64Counter("tablewatch.records.evaluated",
		metric.WithDescription("Unseen records evaluated against a trigger"))
	if err != nil {
		return fmt.Errorf("creating evaluated counter: %w", err)
	}

	e.dispatches, err = e.meter.Int64Counter("tablewatch.dispatches",
		metric.WithDescription("Notifications attempted per recipe and outcome"))
	if err != nil {
		return fmt.Errorf("creating dispatches counter: %w", err)
	}

	e.runnerState, err = e.meter.Int64ObservableGauge("tablewatch.runner.running",
		metric.WithDescription("1 when the recipe's runner is running, 0 otherwise"),
		metric.WithInt64Callback(e.observeStates))
	if err != nil {
		return fmt.Errorf("creating runner state gauge: %w", err)
	}
	return nil
}

// SetStateSource attaches the source consulted by the runner state gauge.
func (e *Exporter) SetStateSource(s StateSource) {
	e.states = s
}

func (e *Exporter) observeStates(ctx context.Context, observer metric.Int64Observer) error {
	if e.states == nil {
		return nil
	}
	for name, status := range e.states.Statuses() {
		var v int64
		if status == "running" {
			v = 1
		}
		observer.Observe(v, metric.WithAttributes(attribute.String("recipe", name)))
	}
	return nil
}

func recipeAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("recipe", name))
}

// CycleCompleted records one finished poll cycle and the records it evaluated.
func (e *Exporter) CycleCompleted(recipe string, evaluated int) {
	ctx := context.Background()
	e.cycles.Add(ctx, 1, recipeAttr(recipe))
	if evaluated > 0 {
		e.evaluated.Add(ctx, int64(evaluated), recipeAttr(recipe))
	}
}

// FetchFailed records a snapshot fetch failure.
func (e *Exporter) FetchFailed(recipe string) {
	e.fetchFailures.Add(context.Background(), 1, recipeAttr(recipe))
}

// Dispatched records a notification attempt with its outcome.
func (e *Exporter) Dispatched(recipe, outcome string) {
	e.dispatches.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("recipe", recipe),
		attribute.String("outcome", outcome),
	))
}

// Handler serves Prometheus-formatted metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Shutdown gracefully shuts down the meter provider
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.meterProvider != nil {
		return e.meterProvider.Shutdown(ctx)
	}
	return nil
}
