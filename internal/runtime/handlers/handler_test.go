package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagging(tag string, trail *[]string) Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg Message) (any, error) {
			*trail = append(*trail, tag)
			return h(ctx, msg)
		}
	}
}

func TestChainOrder(t *testing.T) {
	var trail []string
	h := Chain(func(ctx context.Context, msg Message) (any, error) {
		trail = append(trail, "handler")
		return "ok", nil
	}, tagging("outer", &trail), nil, tagging("inner", &trail))

	result, err := h(context.Background(), Message{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []string{"outer", "inner", "handler"}, trail)
}

func TestMessageLogFields(t *testing.T) {
	fields := Message{
		Role:          "worker_event",
		Key:           "cron.report.daily",
		Route:         "cron.*.daily",
		CorrelationID: "c",
		MessageID:     "m",
	}.LogFields()

	assert.Equal(t, "cron.report.daily", fields[FieldKey])
	assert.Equal(t, "cron.*.daily", fields[FieldRoute])
	assert.Equal(t, "worker_event", fields[FieldRole])
	assert.Equal(t, "c", fields[FieldCorrelationID])
	assert.Equal(t, "m", fields[FieldMessageID])

	minimal := Message{Key: "RPC@get", Route: "RPC@get"}.LogFields()
	assert.Len(t, minimal, 1)
}
