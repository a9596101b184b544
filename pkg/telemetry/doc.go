// Package telemetry provides observability instrumentation for StackFlow.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
// # Structured Logging
//
// Loggers carry flow fields through component loggers:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithFlowID(inst.ID).WithResourceID(inst.ResourceID)
//	logger.Info("flow resumed")
//
// Packages that only need a zerolog.Logger receive logger.Zerolog().
//
// # Distributed Tracing
//
// The engine opens one span per run and one child span per state action:
//
//	ctx, span := tel.Tracer.StartFlowSpan(ctx, inst.ID, inst.ResourceID, inst.DefinitionID)
//	defer span.End()
//
// Exporters: otlp (gRPC), stdout and none.
//
// # Metrics
//
// Available metrics, prefixed with the configured namespace:
//
//   - flows_started_total{definition}
//   - flows_completed_total{definition, outcome}
//   - flow_duration_seconds{definition, outcome}
//   - transitions_total{definition, from, event}
//   - step_duration_seconds{definition, state}
//   - poll_probes_total{task, outcome}
//   - retries_total{operation}
//   - notifications_total{sink, result}
//   - errors_by_class_total{class}
//   - active_flows, queued_flows, stalled_flows
//
// Metrics implements poll.Observer, so it can be passed to poll.WithObserver.
package telemetry
