/*
Package httpserver runs the vault API behind the operational endpoints every
deployment expects.

The server mounts any number of route registrars (see RouteRegistrar) under a
request-logging middleware and a panic recoverer, and adds:

  - /livez for liveness probes
  - /readyz, which also runs the configured ReadinessChecks
  - /drain and /undrain to take the instance out of rotation by hand
  - /debug/pprof when EnablePprof is set

Prometheus metrics are served on a separate listener (MetricsAddr) so they are
never reachable through the public API port.

Run serves both listeners until its context is cancelled. The server then
reports not ready for DrainDuration, stops accepting connections and waits up
to GracefulShutdownDuration for in-flight requests.
*/
package httpserver
