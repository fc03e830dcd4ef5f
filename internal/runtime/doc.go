/*
Package runtime hosts the Star: the object that owns a service's broker
channels, its endpoint registry and its presence in the coordination store.

# Lifecycle (star.go)

NewStar only prepares state. Run connects in a fixed order:

  - coordination store (COORDINATION_SYSTEM, or StarDependencies.Store)
  - broker channels and topology (BROKER_SYSTEM)
  - presence counter increment and endpoint metadata publication
  - registry freeze, then RPC/REST servers, the RPC client and the event router
  - metrics server, cron scheduler and the PostInitialize hook

When the context passed to Run ends, the Star tears down in reverse: the
scheduler stops, the instance deregisters while the broker is still open, the
channels close and PostDestroy runs.

# Registration (registration.go)

Register stores a handler under a role and routing key. RegisterRPCHandler,
RegisterRESTHandler and the event variants wrap typed functions, decoding
JSON payloads into the request type and encoding results into the reply
envelope. Registration is rejected once Run has started.

# Middleware (middleware.go, hooks.go)

Every handler runs inside the chain built from MiddlewareRegistration values:
correlation ids, message logging, tracing, Prometheus metrics, endpoint stats,
JobHooks, event retries and panic recovery. Registrations may carry a Builder
that receives the Star, so a middleware can read configuration or the logger.

# Introspection (stats.go, endpoints.go)

Each endpoint tracks processed and failed counts, in-flight work, latency
percentiles and a breakdown of error levels. Report returns these together
with process resource usage; the metrics server exposes it as JSON at
/endpoints.

# Sub-packages

  - config/: environment configuration and validation
  - errors/: coded Star errors and sentinel errors
  - events/: event envelope, cron matching, worker/fanout router, scheduler
  - handlers/: message types, typed adapters and handler middlewares
  - ids/: ULID and instance id generation
  - jsoncodec/: JSON encoding
  - logging/: ServiceLogger and adapters for watermill and cron
  - metadata/: header metadata helpers
  - metrics/: Prometheus collectors and the metrics server
  - presence/: instance counter and published endpoint metadata
  - registry/: endpoint registry and routing key helpers
  - rpc/: RPC server, client and reply envelopes
  - transport/: broker channels and queue topology of one Star
*/
package runtime
