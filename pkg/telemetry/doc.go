// Package telemetry provides the observability stack for BiasFlow:
// structured logging via zerolog, distributed tracing via OpenTelemetry,
// Prometheus metrics, and a run-event publisher.
//
// The engine instruments each MD step with phase spans (prepare, share,
// calculate, apply) and per-step metrics. Because steps fire at MD
// frequency, everything here is built to stay out of the hot path: a nil
// *Metrics or *Tracer is a valid no-op collector, log sampling is
// available for per-step messages, and the event publisher buffers and
// drops rather than blocking the step loop.
//
// Typical setup for an embedding host:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	eng := engine.New(engine.Options{
//		Logger:  tel.Logger,
//		Metrics: tel.Metrics,
//		Tracer:  tel.Tracer,
//	})
package telemetry
