// Package metrics provides observability hooks for the timekeeper engine.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics collection never requires nil checks at call
// sites. The Prometheus implementation is activated by the daemon command;
// library consumers that do not care about metrics pay nothing.
//
// The recorder is also how silent data degradation becomes observable:
// dropped entry decodes, oversized archive pages, and swallowed cleanup
// failures are all counted here rather than existing only as log lines.
package metrics
