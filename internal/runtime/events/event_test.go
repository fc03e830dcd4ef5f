package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
)

func TestMatchCron(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"cron.*.daily", "cron.report.daily", true},
		{"cron.*.daily", "cron.report.weekly", false},
		{"cron.*.daily", "cron.report.daily.extra", false},
		{"cron.*.*", "cron.a.b", true},
		{"cron.backup.weekly", "cron.backup.weekly", true},
		{"cron.backup.weekly", "cron.backup.daily", false},
		{"cron.*.daily", "tick.report.daily", true},
		{"cron", "cron", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchCron(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}

func TestResolveCronFollowsRegistrationOrder(t *testing.T) {
	patterns := []string{"cron.*.daily", "cron.backup.weekly"}

	route, ok := ResolveCron(patterns, "cron.report.daily")
	require.True(t, ok)
	assert.Equal(t, "cron.*.daily", route)

	route, ok = ResolveCron(patterns, "cron.backup.weekly")
	require.True(t, ok)
	assert.Equal(t, "cron.backup.weekly", route)

	_, ok = ResolveCron(patterns, "cron.unknown.monthly")
	assert.False(t, ok)

	route, _ = ResolveCron([]string{"cron.*.daily", "cron.backup.daily"}, "cron.backup.daily")
	assert.Equal(t, "cron.*.daily", route, "first match wins")
}

func TestIsCronKey(t *testing.T) {
	assert.True(t, IsCronKey("cron.a.b"))
	assert.False(t, IsCronKey("cronjob.a"))
	assert.False(t, IsCronKey("account.created"))
}

func TestEventWireFormat(t *testing.T) {
	evt := Event{Key: "account.created", Body: map[string]int{"id": 7}, PublishedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
	data, err := jsoncodec.Marshal(evt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"account.created","body":{"id":7},"publishedAt":"2026-03-04T05:06:07Z"}`, string(data))

	var in inbound
	require.NoError(t, jsoncodec.Unmarshal([]byte(`{"key":"k","body":{"id":7},"publishedAt":"2026-03-04T05:06:07.000Z"}`), &in))
	assert.Equal(t, "k", in.Key)
	assert.JSONEq(t, `{"id":7}`, string(in.Body))
	assert.Equal(t, 2026, in.PublishedAt.Year())

	fresh := NewEvent("k", nil)
	assert.Equal(t, time.UTC, fresh.PublishedAt.Location())
}
