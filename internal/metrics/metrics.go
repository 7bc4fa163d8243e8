// Package metrics exposes the sensor's counters through an OTel meter
// provider backed by a Prometheus registry. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	meterName = "EnigmaNetz/Enigma-Cell-Sensor"

	metricFrames         = "cell_sensor.frames"
	metricCaptureBytes   = "cell_sensor.capture.bytes"
	metricWarnings       = "cell_sensor.warnings"
	metricIndicatorDrops = "cell_sensor.indicator.drops"
	metricHTTPRequests   = "cell_sensor.http.requests"

	attrOrigin = "origin"
	attrRoute  = "route"
	attrStatus = "status"
)

// Metrics holds the sensor's instruments.
type Metrics struct {
	provider       *sdkmetric.MeterProvider
	handler        http.Handler
	frames         metric.Int64Counter
	captureBytes   metric.Int64Counter
	warnings       metric.Int64Counter
	indicatorDrops metric.Int64Counter
	httpRequests   metric.Int64Counter
}

// New creates the instruments on a fresh Prometheus registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	b := newBuilder(provider.Meter(meterName))

	m := &Metrics{
		provider:       provider,
		handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		frames:         b.counter(metricFrames, "Diag frames read from the modem", "{frame}"),
		captureBytes:   b.counter(metricCaptureBytes, "Bytes appended to capture files", "By"),
		warnings:       b.counter(metricWarnings, "Frames that raised a warning", "{warning}"),
		indicatorDrops: b.counter(metricIndicatorDrops, "Indicator updates dropped on a full channel", "{update}"),
		httpRequests:   b.counter(metricHTTPRequests, "Control surface requests", "{request}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// FrameReceived counts one frame by origin ("userspace" or "other").
func (m *Metrics) FrameReceived(ctx context.Context, origin string) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOrigin, origin)))
}

func (m *Metrics) CaptureBytes(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.captureBytes.Add(ctx, int64(n))
}

func (m *Metrics) WarningDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.warnings.Add(ctx, 1)
}

func (m *Metrics) IndicatorDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.indicatorDrops.Add(ctx, 1)
}

// HTTPRequest counts a request by route pattern and status class ("2xx").
func (m *Metrics) HTTPRequest(ctx context.Context, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrRoute, route),
		attribute.String(attrStatus, statusClass(status)),
	))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// builder accumulates instrument creation errors so construction needs a
// single check.
type builder struct {
	meter metric.Meter
	err   error
}

func newBuilder(mt metric.Meter) *builder {
	return &builder{meter: mt}
}

func (b *builder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
	return c
}
