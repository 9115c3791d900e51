// Package telemetry provides observability instrumentation for the moor
// runner.
//
// The package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and lifecycle event
// publishing into one unified system.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Buffered fan-out of engine lifecycle events
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "moor"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("lifecycle-controller")
//	logger = logger.WithEntity("team-a/db1").WithVerb("create")
//	logger.Info("Provisioning resource")
//	logger.WithError(err).Error("Provisioning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into verb execution and provider calls:
//
//	ctx, span := tel.Tracer.StartVerbSpan(ctx, "create", "team-a/db1", "postgres.cluster")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track engine behavior:
//
//	tel.Metrics.RecordVerbStarted("create", "postgres.cluster")
//	tel.Metrics.RecordVerbCompleted("create", "postgres.cluster", "ready", duration)
//	tel.Metrics.RecordProviderCall("postgres.cluster", "create_cluster", duration)
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// Publisher implements entity.EventSink, so it plugs straight into the
// lifecycle controller. Events are buffered and fanned out to
// subscribers:
//
//	events, _ := telemetry.NewPublisher(cfg.Events)
//	events.Subscribe(telemetry.LogSubscriber(tel.Logger), nil)
//	events.Subscribe(telemetry.MetricsSubscriber(tel.Metrics), nil)
//
//	controller := entity.NewController(registry, tel.Logger.Zerolog(), events)
//
// Event filters: FilterBySeverity, FilterByType, FilterByEntity,
// FilterByEntityType
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown error: %v", err)
//	}
//
// This ensures buffered events are delivered and pending traces are
// exported.
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - moor_verbs_started_total{verb,entity_type}
//   - moor_verbs_completed_total{verb,entity_type,status}
//   - moor_verb_duration_seconds{verb,entity_type}
//   - moor_adoptions_total{entity_type}
//   - moor_updates_skipped_total{entity_type}
//   - moor_readiness_polls_total{entity_type,outcome}
//   - moor_provider_calls_total{entity_type,operation}
//   - moor_provider_errors_total{entity_type,operation}
//   - moor_errors_by_kind_total{kind}
//   - moor_active_verbs
//
// # Security Considerations
//
//   - Never log secret values; log secret names only
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
