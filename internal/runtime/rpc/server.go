// Package rpc implements request/reply over the broker: a Server consuming
// one durable queue per routing key and a Client correlating replies on an
// exclusive reply queue.
package rpc

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metadatapkg "github.com/drblury/stardust/internal/runtime/metadata"
	"github.com/drblury/stardust/internal/runtime/registry"
	brokers "github.com/drblury/stardust/transport"
)

// Server serves RPC and REST endpoints from a registry.
type Server struct {
	ch          brokers.Channel
	registry    *registry.Registry
	logger      loggingpkg.ServiceLogger
	middlewares []handlers.Middleware

	wg sync.WaitGroup
}

// NewServer creates a server consuming on ch. Middlewares wrap every handler,
// the first one outermost.
func NewServer(ch brokers.Channel, reg *registry.Registry, logger loggingpkg.ServiceLogger, mws ...handlers.Middleware) *Server {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Server{ch: ch, registry: reg, logger: logger, middlewares: mws}
}

// ServeAll serves every key registered for role, which must be RPC or REST.
func (s *Server) ServeAll(ctx context.Context, role registry.Role) error {
	if role != registry.RoleRPC && role != registry.RoleREST {
		return fmt.Errorf("%w: %q is not served by rpc", errspkg.ErrUnknownRole, role)
	}
	for _, key := range s.registry.Keys(role) {
		if err := s.Serve(ctx, role, key); err != nil {
			return err
		}
	}
	return nil
}

// Serve declares the durable queue named key and consumes it until ctx ends.
// Deliveries are handled one at a time.
func (s *Server) Serve(ctx context.Context, role registry.Role, key string) error {
	desc, ok := s.registry.Lookup(role, key)
	if !ok {
		return fmt.Errorf("%w: %s %s", errspkg.ErrHandlerRequired, role, key)
	}

	if _, err := s.ch.DeclareQueue(key, brokers.QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("declare queue %s: %w", key, err)
	}
	deliveries, err := s.ch.Consume(ctx, key)
	if err != nil {
		return fmt.Errorf("consume %s: %w", key, err)
	}

	mws := s.middlewares
	if role == registry.RoleREST {
		mws = append(append([]handlers.Middleware(nil), mws...), handlers.RequireLevel(desc.Level()))
	}
	h := handlers.Chain(desc.Handler, mws...)
	logger := s.logger.With(loggingpkg.LogFields{handlers.FieldRole: string(role), handlers.FieldKey: key})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for d := range deliveries {
			s.handle(ctx, role, key, h, logger, d)
		}
		logger.Debug("Consumer stopped", nil)
	}()

	logger.Debug("Serving endpoint", nil)
	return nil
}

// Wait blocks until every consumer started by Serve has stopped.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, role registry.Role, key string, h handlers.HandlerFunc, logger loggingpkg.ServiceLogger, d brokers.Delivery) {
	msg := handlers.Message{
		Role:          string(role),
		Key:           key,
		Route:         key,
		Payload:       d.Body,
		CorrelationID: d.CorrelationID,
		MessageID:     d.MessageID,
		Metadata:      metadatapkg.FromHeaders(d.Headers),
	}
	msg.Logger = logger.With(msg.LogFields())

	reply := s.invoke(ctx, h, msg)

	if d.ReplyTo == "" {
		msg.Logger.Info("Request has no reply destination, reply dropped", nil)
	} else {
		s.reply(ctx, msg.Logger, d, reply)
	}

	if err := s.ch.Ack(d.DeliveryTag); err != nil {
		msg.Logger.Error("Failed to ack request", err, nil)
	}
}

func (s *Server) invoke(ctx context.Context, h handlers.HandlerFunc, msg handlers.Message) ReplyEnvelope {
	if !jsoncodec.Valid(msg.Payload) {
		err := errspkg.New(errspkg.CodeMalformedPayload, "request payload is not valid JSON")
		logFailure(msg.Logger, "Rejected request", err)
		return Failure(err)
	}

	result, err := h(ctx, msg)
	if err != nil {
		logFailure(msg.Logger, "Handler failed", err)
		return Failure(err)
	}

	reply, err := Success(result)
	if err != nil {
		logFailure(msg.Logger, "Failed to encode reply", err)
		return Failure(err)
	}
	return reply
}

func (s *Server) reply(ctx context.Context, logger loggingpkg.ServiceLogger, d brokers.Delivery, reply ReplyEnvelope) {
	body, err := jsoncodec.Marshal(reply)
	if err != nil {
		logger.Error("Failed to encode reply envelope", err, nil)
		return
	}
	err = s.ch.Publish(ctx, "", d.ReplyTo, brokers.Publishing{
		Body:          body,
		ContentType:   brokers.ContentTypeJSON,
		CorrelationID: d.CorrelationID,
		Persistent:    true,
	})
	if err != nil {
		logger.Error("Failed to publish reply", err, loggingpkg.LogFields{"reply_to": d.ReplyTo})
	}
}

// logFailure logs expected errors at debug level and everything else as an error.
func logFailure(logger loggingpkg.ServiceLogger, msg string, err error) {
	fields := loggingpkg.LogFields{handlers.FieldCode: errspkg.CodeOf(err).Value()}
	if errspkg.IsLevel(err, errspkg.LevelExpected) {
		fields["error"] = err.Error()
		logger.Debug(msg, fields)
		return
	}
	logger.Error(msg, err, fields)
}
