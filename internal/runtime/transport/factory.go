package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	brokers "github.com/drblury/stardust/transport"

	// Register the broker builders.
	_ "github.com/drblury/stardust/transport/memory"
	_ "github.com/drblury/stardust/transport/rabbitmq"
)

// Factory abstracts how the runtime opens its broker.
type Factory interface {
	Build(ctx context.Context, cfg brokers.Config, logger watermill.LoggerAdapter) (brokers.Transport, error)
}

// FactoryFunc adapts a broker Builder to Factory.
type FactoryFunc brokers.Builder

func (f FactoryFunc) Build(ctx context.Context, cfg brokers.Config, logger watermill.LoggerAdapter) (brokers.Transport, error) {
	return f(ctx, cfg, logger)
}

// DefaultFactory returns the factory backed by the broker registry, selecting
// the builder named by BROKER_SYSTEM.
func DefaultFactory() Factory {
	return FactoryFunc(brokers.Build)
}

// supportsRPC reports whether the named broker can carry request/reply
// calls. Brokers that did not register capabilities are trusted.
func supportsRPC(name string) bool {
	if !brokers.DefaultRegistry.Has(name) {
		return true
	}
	return brokers.GetCapabilities(name).SupportsRPC()
}
