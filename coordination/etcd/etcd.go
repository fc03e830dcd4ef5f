// Package etcd provides the etcd v3 coordination store.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/drblury/stardust/coordination"
)

// SystemName is the name used to register this store.
const SystemName = "etcd"

// MaxMutateAttempts bounds the compare-and-swap retries of Mutate.
const MaxMutateAttempts = 16

const defaultDialTimeout = 5 * time.Second

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(cfg clientv3.Config) (*clientv3.Client, error) {
	return clientv3.New(cfg)
}

// LoggerFactory builds the zap logger handed to the etcd client.
var LoggerFactory = func() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func init() {
	Register()
}

// Register registers the etcd store with the default registry.
func Register() {
	coordination.Register(SystemName, Build)
}

// Build connects to the endpoints in cfg. The coordination token is the password.
func Build(ctx context.Context, cfg coordination.Config) (coordination.Store, error) {
	logger, err := LoggerFactory()
	if err != nil {
		return nil, fmt.Errorf("etcd: logger: %w", err)
	}

	client, err := ClientFactory(clientv3.Config{
		Endpoints:   cfg.GetCoordinationEndpoints(),
		DialTimeout: defaultDialTimeout,
		Username:    cfg.GetCoordinationUser(),
		Password:    cfg.GetCoordinationToken(),
		Logger:      logger,
		Context:     ctx,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}
	return &Store{kv: client, close: client.Close}, nil
}

// Store implements coordination.Store on an etcd KV.
type Store struct {
	kv    clientv3.KV
	close func() error
}

var _ coordination.Store = (*Store)(nil)

// NewFromKV wraps an existing KV. Close leaves kv untouched.
func NewFromKV(kv clientv3.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (s *Store) List(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := s.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = string(kv.Value)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.kv.Put(ctx, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string, recursive bool) error {
	if _, err := s.kv.Delete(ctx, key); err != nil {
		return err
	}
	if !recursive {
		return nil
	}
	prefix := strings.TrimSuffix(key, "/") + "/"
	_, err := s.kv.Delete(ctx, prefix, clientv3.WithPrefix())
	return err
}

// Mutate reads key, applies fn and writes the result only if the key's mod
// revision is unchanged. A missing key has mod revision 0.
func (s *Store) Mutate(ctx context.Context, key string, fn coordination.MutateFunc) error {
	for attempt := 0; attempt < MaxMutateAttempts; attempt++ {
		resp, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}

		var (
			current string
			found   bool
			rev     int64
		)
		if len(resp.Kvs) > 0 {
			current = string(resp.Kvs[0].Value)
			rev = resp.Kvs[0].ModRevision
			found = true
		}

		next, remove, err := fn(current, found)
		if err != nil {
			return err
		}

		var op clientv3.Op
		switch {
		case remove && !found:
			return nil
		case remove:
			op = clientv3.OpDelete(key)
		default:
			op = clientv3.OpPut(key, next)
		}

		txn, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(op).
			Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", coordination.ErrConflict, key)
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
