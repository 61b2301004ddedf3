// Package telemetry records service metrics with the OpenTelemetry SDK. A
// manual reader always backs the /metrics snapshot; an OTLP exporter is added
// when an endpoint is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a gRPC collector address. Empty disables export.
	OTLPEndpoint   string
	Insecure       bool
	ExportInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "referral-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = 30 * time.Second
	}
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider owns the meter provider and the instruments the service records.
type Provider struct {
	cfg      Config
	mp       *sdkmetric.MeterProvider
	snapshot *sdkmetric.ManualReader

	httpRequests    metric.Int64Counter
	httpDuration    metric.Float64Histogram
	transitions     metric.Int64Counter
	scoringFailures metric.Int64Counter
	deliveries      metric.Int64Counter
	ticks           metric.Int64Counter
	escalations     metric.Int64Counter
	tickErrors      metric.Int64Counter
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	p := &Provider{cfg: cfg, snapshot: sdkmetric.NewManualReader()}
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.snapshot),
	}
	if cfg.OTLPEndpoint != "" {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval)),
		))
	}
	p.mp = sdkmetric.NewMeterProvider(opts...)

	if err := p.initInstruments(p.mp.Meter("github.com/vitalred/referral",
		metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments(m metric.Meter) error {
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	p.httpRequests = counter("http.server.requests", "HTTP requests by method, route and status")
	p.transitions = counter("referral.transitions", "Lifecycle transitions by action and target state")
	p.scoringFailures = counter("referral.scoring_failures", "Submissions defaulted to CRITICAL after a scoring failure")
	p.deliveries = counter("notification.deliveries", "Delivery outcomes by channel and status")
	p.ticks = counter("escalation.ticks", "Scheduler passes by result")
	p.escalations = counter("escalation.raised", "Escalation records raised or renotified")
	p.tickErrors = counter("escalation.tick_errors", "Per-request failures inside scheduler passes")
	if err != nil {
		return fmt.Errorf("create instrument: %w", err)
	}

	p.httpDuration, err = m.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("create instrument: %w", err)
	}
	return nil
}

// Shutdown flushes pending exports and stops the readers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Domain recorders
// ---------------------------------------------------------------------------

func (p *Provider) RecordTransition(ctx context.Context, action, to string) {
	p.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("to", to),
	))
}

func (p *Provider) RecordScoringFailure(ctx context.Context) {
	p.scoringFailures.Add(ctx, 1)
}

// RecordDeliveries adds n outcomes of one status on one channel. Outcomes
// that never reached a channel use channel "none".
func (p *Provider) RecordDeliveries(ctx context.Context, channel, status string, n int) {
	if n <= 0 {
		return
	}
	if channel == "" {
		channel = "none"
	}
	p.deliveries.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

// TickStats is the part of a scheduler pass worth counting.
type TickStats struct {
	Skipped    bool
	Escalated  int
	Renotified int
	Errors     int
}

func (p *Provider) RecordTick(ctx context.Context, s TickStats) {
	result := "ok"
	switch {
	case s.Skipped:
		result = "skipped"
	case s.Errors > 0:
		result = "partial"
	}
	p.ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if s.Escalated > 0 {
		p.escalations.Add(ctx, int64(s.Escalated), metric.WithAttributes(attribute.String("kind", "raised")))
	}
	if s.Renotified > 0 {
		p.escalations.Add(ctx, int64(s.Renotified), metric.WithAttributes(attribute.String("kind", "renotified")))
	}
	if s.Errors > 0 {
		p.tickErrors.Add(ctx, int64(s.Errors))
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Middleware records request counts and latency keyed by route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.String("status", strconv.Itoa(responseStatus(c, err))),
			)
			ctx := c.Request().Context()
			p.httpRequests.Add(ctx, 1, attrs)
			p.httpDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// responseStatus returns the status the error handler will write when the
// handler returned an error, since the response is not committed yet.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Point is one aggregated series in a snapshot. Histograms report Count and
// Sum; counters report Value.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value,omitempty"`
	Count      uint64            `json:"count,omitempty"`
	Sum        float64           `json:"sum,omitempty"`
}

// Snapshot collects the current cumulative value of every series, sorted by
// name.
func (p *Provider) Snapshot(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := p.snapshot.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Count: dp.Count, Sum: dp.Sum})
				}
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points, nil
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

// Handler serves the snapshot as JSON.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		points, err := p.Snapshot(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if points == nil {
			points = []Point{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"service": p.cfg.ServiceName,
			"metrics": points,
		})
	}
}
