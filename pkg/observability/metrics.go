// Package observability wires OpenTelemetry metrics for the governance core.
// Instruments are created against the global meter provider, so they are
// no-ops until Setup installs the SDK; components record unconditionally.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var meter = otel.Meter("github.com/ledgerline/casegov")

// Core instruments. Counter creation against a valid name cannot fail; the
// otel API returns a usable instrument alongside any error.
var (
	LedgerCommits, _ = meter.Int64Counter("casegov.ledger.commits",
		metric.WithDescription("Accepted ledger commits"))
	ReconcileRuns, _ = meter.Int64Counter("casegov.reconcile.runs",
		metric.WithDescription("Reconciliation sweeps executed by this instance"))
	ReconcileRepairs, _ = meter.Int64Counter("casegov.reconcile.repairs",
		metric.WithDescription("Lifecycle drift repairs committed"))
	GatewayFanouts, _ = meter.Int64Counter("casegov.gateway.fanouts",
		metric.WithDescription("Realtime events delivered to local sockets"))
	GatewayConnects, _ = meter.Int64Counter("casegov.gateway.connects",
		metric.WithDescription("Socket registrations"))
)

// Setup installs an OTLP gRPC meter provider when endpoint is non-empty and
// returns a shutdown func. With an empty endpoint the global provider stays a
// no-op and shutdown does nothing.
func Setup(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("observability: otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(30*time.Second))),
	)
	// Instruments created before Setup delegate to the installed provider.
	otel.SetMeterProvider(provider)
	slog.Info("observability: otlp metrics enabled", "endpoint", endpoint)

	return provider.Shutdown, nil
}
