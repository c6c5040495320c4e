// Package telemetry provides logging, tracing, metrics and events for the workspace manager.
//
// Four pieces are bundled in a Telemetry value:
//
//  1. Structured logging with zerolog
//  2. Distributed tracing with OpenTelemetry (otlp or stdout exporters)
//  3. Prometheus metrics on a private registry
//  4. An event publisher whose subscribers persist run and object history
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithRunID(runID).Info("run started")
//
// Components that accept a *Telemetry treat nil as NewNoop().
//
// # Metrics
//
// Run, stage, claim, provider and policy metrics are registered under the
// configured namespace. Handler exposes them for the API router; when
// MetricsConfig.ListenAddress is set StartMetricsServer also serves them
// on a dedicated port.
//
// # Events
//
// Publish never blocks. In async mode events are buffered and delivered in
// order by a single goroutine; Shutdown drains the buffer.
package telemetry
