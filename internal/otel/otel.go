// Package otel wires the watchdog's metrics: an OpenTelemetry meter backed
// by a Prometheus exporter, served from the watchdog's /metrics endpoint.
// Workers record through the same package; with no provider installed every
// recorder is a no-op, so metrics never become a coordination dependency.
package otel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/zczc/nano-agent-team"

// InitMeterProvider installs the global MeterProvider and returns the
// /metrics handler. The watchdog calls this once at startup and keeps
// running without metrics when it fails.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "swarm"
	}

	promReg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(promReg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	otelglobal.SetMeterProvider(sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	))
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the swarm meter from the global provider.
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

var (
	AttrAgent   = attribute.Key("agent")
	AttrRole    = attribute.Key("role")
	AttrStatus  = attribute.Key("status")
	AttrVerdict = attribute.Key("verdict")
)
