package transport

// Capabilities describes the features supported by a broker backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// Persistent indicates durable queues and persistent messages survive a broker restart.
	Persistent bool

	// SupportsReplyTo indicates the broker routes replies through the ReplyTo property.
	SupportsReplyTo bool

	// SupportsExclusiveQueues indicates queues can be bound to the declaring connection.
	SupportsExclusiveQueues bool

	// SupportsPrefetch indicates per-consumer flow control is honoured.
	SupportsPrefetch bool

	// Distributed indicates multiple processes can share the broker.
	Distributed bool
}

// SupportsRPC reports whether request/reply calls can run over the transport.
func (c Capabilities) SupportsRPC() bool {
	return c.SupportsReplyTo && c.SupportsExclusiveQueues
}

var (
	// RabbitMQCapabilities for RabbitMQ/AMQP 0-9-1.
	RabbitMQCapabilities = Capabilities{
		Name:                    "rabbitmq",
		Persistent:              true,
		SupportsReplyTo:         true,
		SupportsExclusiveQueues: true,
		SupportsPrefetch:        true,
		Distributed:             true,
	}

	// MemoryCapabilities for the in-process broker.
	MemoryCapabilities = Capabilities{
		Name:                    "memory",
		Persistent:              false,
		SupportsReplyTo:         true,
		SupportsExclusiveQueues: true,
		SupportsPrefetch:        true,
		Distributed:             false,
	}
)
