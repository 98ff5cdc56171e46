/*
Package observability provides Prometheus instrumentation for the Espalier
engine.

Metrics attaches to the engine through domain.LifecycleHooks, so the runtime
stays free of metric plumbing: counters and histograms are updated from the
same events any other hook consumer sees.
*/
package observability
