// Package observability exposes service metrics over OpenTelemetry with a
// Prometheus pull exporter. The /metrics handler serves the standard text
// exposition format.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/attribute"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "saferun",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		Enabled:        true,
	}
}

// Provider owns the meter provider, the Prometheus registry, and the
// instruments the rest of the service records against. A disabled or nil
// Provider is safe to call; every record method no-ops.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	registry      *prometheus.Registry
	meter         metric.Meter
	logger        *slog.Logger

	changesCreated    metric.Int64Counter
	changesApplied    metric.Int64Counter
	changesReverted   metric.Int64Counter
	changesExpired    metric.Int64Counter
	webhookEvents     metric.Int64Counter
	notifyDelivered   metric.Int64Counter
	notifyFailed      metric.Int64Counter
	requestDuration   metric.Float64Histogram
	activeHTTPServing metric.Int64UpDownCounter
}

// New builds a Provider backed by a dedicated Prometheus registry.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "metrics disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(p.registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	p.meter = p.meterProvider.Meter("saferun",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "metrics initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
	)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.changesCreated, err = p.meter.Int64Counter("saferun.changes.created",
		metric.WithDescription("Changes created by dry-run"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return err
	}
	p.changesApplied, err = p.meter.Int64Counter("saferun.changes.applied",
		metric.WithDescription("Changes executed against the provider"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return err
	}
	p.changesReverted, err = p.meter.Int64Counter("saferun.changes.reverted",
		metric.WithDescription("Changes rolled back within the revert window"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return err
	}
	p.changesExpired, err = p.meter.Int64Counter("saferun.changes.expired",
		metric.WithDescription("Pending changes expired by the sweeper"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return err
	}
	p.webhookEvents, err = p.meter.Int64Counter("saferun.webhook.events",
		metric.WithDescription("Provider webhook events received"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	p.notifyDelivered, err = p.meter.Int64Counter("saferun.notifications.delivered",
		metric.WithDescription("Notifications delivered to a channel"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return err
	}
	p.notifyFailed, err = p.meter.Int64Counter("saferun.notifications.failed",
		metric.WithDescription("Notification deliveries that exhausted retries"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return err
	}
	p.requestDuration, err = p.meter.Float64Histogram("saferun.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.activeHTTPServing, err = p.meter.Int64UpDownCounter("saferun.http.in_flight",
		metric.WithDescription("Requests currently being served"),
		metric.WithUnit("{request}"),
	)
	return err
}

// Handler serves the Prometheus text exposition for this provider's
// registry. Returns a 503 handler when metrics are disabled.
func (p *Provider) Handler() http.Handler {
	if p == nil || p.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

func operationAttrs(provider, op string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", op),
	)
}

// ChangeCreated counts a successful dry-run.
func (p *Provider) ChangeCreated(ctx context.Context, provider, op string) {
	if p != nil && p.changesCreated != nil {
		p.changesCreated.Add(ctx, 1, operationAttrs(provider, op))
	}
}

// ChangeApplied counts a successful execution.
func (p *Provider) ChangeApplied(ctx context.Context, provider, op string) {
	if p != nil && p.changesApplied != nil {
		p.changesApplied.Add(ctx, 1, operationAttrs(provider, op))
	}
}

// ChangeReverted counts a successful rollback.
func (p *Provider) ChangeReverted(ctx context.Context, provider, op string) {
	if p != nil && p.changesReverted != nil {
		p.changesReverted.Add(ctx, 1, operationAttrs(provider, op))
	}
}

// ChangesExpired counts changes swept to expired.
func (p *Provider) ChangesExpired(ctx context.Context, n int) {
	if p != nil && p.changesExpired != nil && n > 0 {
		p.changesExpired.Add(ctx, int64(n))
	}
}

// WebhookEvent counts one received provider event.
func (p *Provider) WebhookEvent(ctx context.Context, eventType string) {
	if p != nil && p.webhookEvents != nil {
		p.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

// NotificationDelivered counts one successful channel delivery.
func (p *Provider) NotificationDelivered(ctx context.Context, channel string) {
	if p != nil && p.notifyDelivered != nil {
		p.notifyDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// NotificationFailed counts one delivery that exhausted its retries.
func (p *Provider) NotificationFailed(ctx context.Context, channel string) {
	if p != nil && p.notifyFailed != nil {
		p.notifyFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// TrackRequest records an in-flight request and returns a completion
// callback that observes its duration.
func (p *Provider) TrackRequest(ctx context.Context, route string) func(status int) {
	if p == nil || p.requestDuration == nil {
		return func(int) {}
	}
	start := time.Now()
	routeAttr := attribute.String("route", route)
	p.activeHTTPServing.Add(ctx, 1, metric.WithAttributes(routeAttr))
	return func(status int) {
		p.activeHTTPServing.Add(ctx, -1, metric.WithAttributes(routeAttr))
		p.requestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(routeAttr, attribute.Int("http.status_code", status)))
	}
}
