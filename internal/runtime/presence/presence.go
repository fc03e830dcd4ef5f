// Package presence tracks how many instances of a service are alive and
// publishes the service's endpoint metadata to the coordination store.
package presence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/drblury/stardust/coordination"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metricspkg "github.com/drblury/stardust/internal/runtime/metrics"
	"github.com/drblury/stardust/internal/runtime/registry"
)

// CountPrefix is the key prefix of the per-service instance counters.
const CountPrefix = "starCount"

// WatchPrefix is the key prefix of the published endpoint metadata.
const WatchPrefix = "watch"

// CountKey returns the counter key of service.
func CountKey(service string) string {
	return CountPrefix + "/" + service
}

// WatchKey returns the metadata directory of service for role, or the key of
// one endpoint when key is given.
func WatchKey(role registry.Role, service string, key ...string) string {
	k := WatchPrefix + "/" + string(role) + "/" + service
	if len(key) > 0 && key[0] != "" {
		k += "/" + key[0]
	}
	return k
}

// Counter registers and deregisters one instance of a service.
type Counter struct {
	store   coordination.Store
	service string
	logger  loggingpkg.ServiceLogger
	metrics *metricspkg.Metrics
}

// New creates a counter for service on store.
func New(store coordination.Store, service string, logger loggingpkg.ServiceLogger, m *metricspkg.Metrics) *Counter {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Counter{
		store:   store,
		service: service,
		logger:  logger.With(loggingpkg.LogFields{"service": service}),
		metrics: m,
	}
}

func parseCount(key, value string, found bool) (int, error) {
	if !found {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("presence: corrupt counter %s=%q: %w", key, value, err)
	}
	return n, nil
}

// RegisterInstance adds this instance to the service counter.
func (c *Counter) RegisterInstance(ctx context.Context) error {
	key := CountKey(c.service)
	var count int
	err := c.store.Mutate(ctx, key, func(current string, found bool) (string, bool, error) {
		n, err := parseCount(key, current, found)
		if err != nil {
			return "", false, err
		}
		count = n + 1
		return strconv.Itoa(count), false, nil
	})
	if err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	c.metrics.SetInstances(c.service, count)
	c.logger.Info("Instance registered", loggingpkg.LogFields{"instances": count})
	return nil
}

// DeregisterInstance removes this instance from the service counter. The last
// instance out deletes the counter and all metadata of the service.
func (c *Counter) DeregisterInstance(ctx context.Context) error {
	key := CountKey(c.service)
	var count int
	err := c.store.Mutate(ctx, key, func(current string, found bool) (string, bool, error) {
		n, err := parseCount(key, current, found)
		if err != nil {
			return "", false, err
		}
		count = n - 1
		if count < 1 {
			return "", true, nil
		}
		return strconv.Itoa(count), false, nil
	})
	if err != nil {
		return fmt.Errorf("deregister instance: %w", err)
	}

	if count < 1 {
		count = 0
		for _, role := range registry.Roles() {
			if err := c.store.Delete(ctx, WatchKey(role, c.service), true); err != nil {
				return fmt.Errorf("delete %s metadata: %w", role, err)
			}
		}
		c.logger.Info("Last instance deregistered, metadata removed", nil)
	} else {
		c.logger.Info("Instance deregistered", loggingpkg.LogFields{"instances": count})
	}
	c.metrics.SetInstances(c.service, count)
	return nil
}

// PublishMetadata writes the context of every REST and RPC endpoint in reg.
func (c *Counter) PublishMetadata(ctx context.Context, reg *registry.Registry) error {
	for _, role := range []registry.Role{registry.RoleREST, registry.RoleRPC} {
		entries, err := reg.List(role)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			value, err := jsoncodec.Marshal(entry.Context)
			if err != nil {
				return fmt.Errorf("encode %s metadata: %w", entry.Key, err)
			}
			if err := c.store.Put(ctx, WatchKey(role, c.service, entry.Key), string(value)); err != nil {
				return fmt.Errorf("publish %s metadata: %w", entry.Key, err)
			}
		}
		c.logger.Debug("Published endpoint metadata", loggingpkg.LogFields{"role": string(role), "endpoints": len(entries)})
	}
	return nil
}

// Count returns the number of registered instances.
func (c *Counter) Count(ctx context.Context) (int, error) {
	key := CountKey(c.service)
	value, found, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return parseCount(key, value, found)
}

// Endpoints returns the published metadata of service for role, keyed by routing key.
func Endpoints(ctx context.Context, store coordination.Store, role registry.Role, service string) (map[string]map[string]any, error) {
	prefix := WatchKey(role, service) + "/"
	raw, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(raw))
	for key, value := range raw {
		var data map[string]any
		if err := jsoncodec.Unmarshal([]byte(value), &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out[key[len(prefix):]] = data
	}
	return out, nil
}
