// Package stardust is the runtime for Star services: small processes that talk
// to each other over an AMQP broker and keep track of each other through a
// coordination store (etcd in production, an in-process store for tests).
//
// A Star registers its endpoints before it runs:
//   - RPC handlers answer request/reply calls routed by "RPC@<name>" on a queue
//     of the same name. Replies travel back on an exclusive per-instance queue
//     and are matched by correlation id; calls time out after RPC_TIMEOUT.
//   - REST handlers are RPC handlers keyed by "<METHOD> <path>" that receive a
//     RESTRequest envelope carrying params, body and the calling user.
//   - Worker event handlers share one durable queue per service, so each event
//     is handled by exactly one instance.
//   - Fanout event handlers get an exclusive queue per instance, so every
//     instance sees every event.
//
// Event keys starting with "cron." are matched against registered patterns
// segment by segment with "*" as a wildcard; the first registered match wins.
// Events and RPC requests are acknowledged whether or not the handler fails.
//
// On Run the Star increments its service's instance counter in the store and
// publishes the metadata of its REST and RPC endpoints under
// "watch/<role>/<service>/<key>". When the last instance of a service stops,
// the counter and the watch keys are removed.
//
// Handlers are wrapped in a middleware chain (correlation ids, debug logging,
// OpenTelemetry tracing, Prometheus metrics, per-endpoint stats, job hooks,
// opt-in event retries with exponential backoff, panic recovery). When metrics
// are enabled the metrics port also serves an endpoint report at /endpoints.
package stardust
