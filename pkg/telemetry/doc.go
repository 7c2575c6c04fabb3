// Package telemetry provides logging, tracing, metrics and lifecycle events
// for the migration engine.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with OTLP or
// stdout exporters, metrics are Prometheus collectors on a private registry,
// and events fan out through an EventPublisher whose subscribers persist or
// forward them.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components that receive no configuration use Noop:
//
//	tel := telemetry.Noop()
//
// # Metrics
//
// All collectors live under the configured namespace, "preservo" by default:
//
//   - plans_started_total, plans_completed_total, active_plans
//   - items_processed_total, item_duration_seconds
//   - service_calls_total, service_call_duration_seconds, service_errors_total
//   - waits_total, notifications_total, waiting_plans
//   - errors_by_class_total, errors_by_code_total
//
// Metrics.Handler serves the registry in the OpenMetrics format.
//
// # Events
//
// Events carry the plan id and, for item and availability events, the object
// identifier or service token. With async delivery enabled, subscribers run
// on a single goroutine in publication order.
package telemetry
