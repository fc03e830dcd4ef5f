package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	"github.com/drblury/stardust/internal/runtime/registry"
	brokers "github.com/drblury/stardust/transport"
	"github.com/drblury/stardust/transport/memory"
)

type fixture struct {
	broker  *memory.Broker
	ch      brokers.Channel
	reg     *registry.Registry
	server  *Server
	client  *Client
	capture *watermill.CaptureLoggerAdapter
	ctx     context.Context
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	broker := memory.NewBroker()
	conn := broker.Connect()
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.Qos(1))

	capture := watermill.NewCaptureLogger()
	logger := loggingpkg.NewWatermillServiceLogger(capture)
	reg := registry.New()

	f := &fixture{
		broker:  broker,
		ch:      ch,
		reg:     reg,
		server:  NewServer(ch, reg, logger, handlers.Recoverer()),
		client:  NewClient(ch, timeout, logger, nil),
		capture: capture,
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.ctx = ctx
	t.Cleanup(func() {
		f.client.Close()
		cancel()
		f.server.Wait()
		_ = conn.Close()
	})
	return f
}

func (f *fixture) serve(t *testing.T, role registry.Role, key string, h handlers.HandlerFunc, opts ...registry.Option) {
	t.Helper()
	require.NoError(t, f.reg.Register(role, key, registry.NewDescriptor(h, opts...)))
	require.NoError(t, f.server.Serve(f.ctx, role, key))
}

func echo(ctx context.Context, msg handlers.Message) (any, error) {
	var v any
	if err := jsoncodec.Unmarshal(msg.Payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func TestRoundTripReturnsHandlerResult(t *testing.T) {
	f := newFixture(t, time.Second)
	f.serve(t, registry.RoleRPC, registry.RPCKey("echo"), echo)

	payload := map[string]any{"name": "ada", "tags": []any{"x", "y"}, "n": 3.5}
	reply, err := f.client.Invoke(context.Background(), "RPC@echo", payload)
	require.NoError(t, err)
	require.True(t, reply.Success)

	var got map[string]any
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, payload, got)
	assert.Zero(t, f.client.Pending())
}

type sum struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestCallDecodesTypedResult(t *testing.T) {
	f := newFixture(t, time.Second)
	f.serve(t, registry.RoleRPC, "RPC@sum", handlers.RPCHandler(func(ctx context.Context, req handlers.RPCContext[sum]) (int, error) {
		return req.Payload.A + req.Payload.B, nil
	}))

	var total int
	require.NoError(t, f.client.Call(context.Background(), "RPC@sum", sum{A: 2, B: 40}, &total))
	assert.Equal(t, 42, total)
}

func TestTimeoutLeavesNoPendingCall(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	start := time.Now()
	reply, err := f.client.Invoke(context.Background(), "RPC@nobody", map[string]int{"x": 1})
	elapsed := time.Since(start)

	assert.Nil(t, reply)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrRPCTimeout)
	assert.True(t, errspkg.IsLevel(err, errspkg.LevelLogic))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Zero(t, f.client.Pending())
}

func TestContextCancelLeavesNoPendingCall(t *testing.T) {
	f := newFixture(t, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.client.Invoke(ctx, "RPC@nobody", nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.client.Pending())
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	f.serve(t, registry.RoleRPC, "RPC@echo", echo)

	const calls = 20
	var wg sync.WaitGroup
	results := make([]float64, calls)
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out float64
			errs[i] = f.client.Call(context.Background(), "RPC@echo", i, &out)
			results[i] = out
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, float64(i), results[i])
	}
	assert.Zero(t, f.client.Pending())
}

func TestUnknownCorrelationIDIsDropped(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	require.NoError(t, f.client.Start())

	require.NoError(t, f.ch.Publish(context.Background(), "", f.client.ReplyQueue(), brokers.Publishing{
		Body:          []byte(`{"success":true,"data":1}`),
		CorrelationID: "stale",
	}))

	_, err := f.client.Invoke(context.Background(), "RPC@nobody", nil)
	assert.ErrorIs(t, err, errspkg.ErrRPCTimeout, "a stale reply never resolves another call")

	assert.Eventually(t, func() bool {
		return f.capture.Has(watermill.CapturedMessage{
			Level:  watermill.InfoLogLevel,
			Fields: watermill.LogFields{handlers.FieldCorrelationID: "stale"},
			Msg:    "Dropping reply with unknown correlation id",
		})
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, f.broker.QueueDepth(f.client.ReplyQueue()))
}

// rawCall publishes body straight to key and reads the reply envelope.
func rawCall(t *testing.T, f *fixture, key string, body []byte) ReplyEnvelope {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replyQueue, err := f.ch.DeclareQueue("", brokers.QueueOptions{Exclusive: true, AutoDelete: true})
	require.NoError(t, err)
	replies, err := f.ch.Consume(ctx, replyQueue)
	require.NoError(t, err)

	require.NoError(t, f.ch.Publish(ctx, "", key, brokers.Publishing{Body: body, ReplyTo: replyQueue, CorrelationID: "raw"}))

	select {
	case d := <-replies:
		require.NoError(t, f.ch.Ack(d.DeliveryTag))
		assert.Equal(t, "raw", d.CorrelationID)
		var env ReplyEnvelope
		require.NoError(t, jsoncodec.Unmarshal(d.Body, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no reply")
		return ReplyEnvelope{}
	}
}

func TestMalformedPayloadRepliesLogicFailureAndAcks(t *testing.T) {
	f := newFixture(t, time.Second)
	called := 0
	f.serve(t, registry.RoleRPC, "RPC@echo", func(ctx context.Context, msg handlers.Message) (any, error) {
		called++
		return echo(ctx, msg)
	})

	env := rawCall(t, f, "RPC@echo", []byte(`{not json`))
	assert.False(t, env.Success)
	assert.Equal(t, errspkg.CodeMalformedPayload.Value(), env.Code)
	assert.Equal(t, errspkg.LevelLogic, env.Err().(*RemoteError).Level())
	assert.Zero(t, called)

	// The consumer survived and the bad message was acked, so prefetch 1 lets the next one in.
	var out string
	require.NoError(t, f.client.Call(context.Background(), "RPC@echo", "after", &out))
	assert.Equal(t, "after", out)
	assert.Zero(t, f.broker.QueueDepth("RPC@echo"))
}

func TestHandlerErrorsBecomeFailureEnvelopes(t *testing.T) {
	f := newFixture(t, time.Second)
	notFound := errspkg.Expected(4, "USER_NOT_FOUND", "user 7")
	f.serve(t, registry.RoleRPC, "RPC@expected", func(context.Context, handlers.Message) (any, error) { return nil, notFound })
	f.serve(t, registry.RoleRPC, "RPC@plain", func(context.Context, handlers.Message) (any, error) { return nil, errors.New("db down") })
	f.serve(t, registry.RoleRPC, "RPC@panic", func(context.Context, handlers.Message) (any, error) { panic("boom") })

	err := f.client.Call(context.Background(), "RPC@expected", nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 10010004, remote.Code)
	assert.Equal(t, errspkg.LevelExpected, remote.Level())
	assert.Contains(t, remote.Message, "user 7")
	assert.ErrorIs(t, err, notFound)

	err = f.client.Call(context.Background(), "RPC@plain", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrUnhandled)
	assert.Contains(t, err.Error(), "db down")

	err = f.client.Call(context.Background(), "RPC@panic", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrUnhandled)

	assert.NotEmpty(t, f.capture.Captured()[watermill.ErrorLogLevel], "unhandled errors are logged as errors")
	assert.True(t, hasDebug(f.capture, "Handler failed"), "expected errors are logged at debug")
}

func TestRequestWithoutReplyToIsHandledAndAcked(t *testing.T) {
	f := newFixture(t, time.Second)
	handled := make(chan struct{}, 2)
	f.serve(t, registry.RoleRPC, "RPC@notify", func(context.Context, handlers.Message) (any, error) {
		handled <- struct{}{}
		return "ignored", nil
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, f.ch.Publish(context.Background(), "", "RPC@notify", brokers.Publishing{Body: []byte(`{}`)}))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(time.Second):
			t.Fatalf("message %d not handled", i)
		}
	}
}

func TestRESTEndpointEnforcesLevel(t *testing.T) {
	f := newFixture(t, time.Second)
	key := registry.RESTKey("GET", "/admin/stats")
	f.serve(t, registry.RoleREST, key, handlers.RESTHandler(func(ctx context.Context, req handlers.RESTRequest) (string, error) {
		return "stats", nil
	}), registry.WithLevel(handlers.LevelAdmin))

	err := f.client.Call(context.Background(), key, map[string]any{"user": map[string]int{"level": 1}}, nil)
	assert.ErrorIs(t, err, errspkg.ErrUserHasNoAuthority)

	err = f.client.Call(context.Background(), key, map[string]any{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrParamUserMissing)

	var out string
	require.NoError(t, f.client.Call(context.Background(), key, map[string]any{"user": map[string]int{"level": 2}}, &out))
	assert.Equal(t, "stats", out)
}

func TestServeAllAndErrors(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.reg.Register(registry.RoleRPC, "RPC@a", registry.NewDescriptor(echo)))
	require.NoError(t, f.reg.Register(registry.RoleRPC, "RPC@b", registry.NewDescriptor(echo)))

	require.NoError(t, f.server.ServeAll(f.ctx, registry.RoleRPC))
	assert.True(t, f.broker.HasQueue("RPC@a"))
	assert.True(t, f.broker.HasQueue("RPC@b"))

	assert.ErrorIs(t, f.server.ServeAll(f.ctx, registry.RoleWorkerEvent), errspkg.ErrUnknownRole)
	assert.ErrorIs(t, f.server.Serve(f.ctx, registry.RoleRPC, "RPC@missing"), errspkg.ErrHandlerRequired)

	_, err := f.client.Invoke(context.Background(), "", nil)
	assert.ErrorIs(t, err, errspkg.ErrRoutingKeyRequired)
}

func TestClosedClientRefusesCalls(t *testing.T) {
	f := newFixture(t, time.Second)
	f.client.Close()

	_, err := f.client.Invoke(context.Background(), "RPC@x", nil)
	assert.ErrorIs(t, err, brokers.ErrClosed)
}

func hasDebug(capture *watermill.CaptureLoggerAdapter, msg string) bool {
	for _, m := range capture.Captured()[watermill.DebugLogLevel] {
		if m.Msg == msg {
			return true
		}
	}
	return false
}
