package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	"github.com/drblury/stardust/internal/runtime/registry"
)

func TestStatsBookRecordsByRoute(t *testing.T) {
	book := newStatsBook()
	book.track(registry.RoleRPC, "RPC@get", map[string]any{"level": 1})
	book.track(registry.RoleWorkerEvent, "cron.*.daily", nil)

	results := []error{nil, errspkg.ErrRPCTimeout, errors.New("plain"), errspkg.Expected(7, "NOT_FOUND", "x")}
	i := 0
	h := book.Middleware()(func(context.Context, handlers.Message) (any, error) {
		err := results[i]
		i++
		return nil, err
	})
	for range results {
		_, _ = h(context.Background(), handlers.Message{Role: "rpc", Key: "RPC@get", Route: "RPC@get"})
	}
	cron := book.Middleware()(func(context.Context, handlers.Message) (any, error) { return nil, nil })
	_, err := cron(context.Background(), handlers.Message{Role: "worker_event", Key: "cron.x.daily", Route: "cron.*.daily"})
	require.NoError(t, err)
	require.Equal(t, len(results), i)
	_, err = book.Middleware()(func(context.Context, handlers.Message) (any, error) { return nil, nil })(
		context.Background(), handlers.Message{Role: "rpc", Key: "RPC@unknown"})
	require.NoError(t, err)

	snap := book.Snapshot()
	require.Len(t, snap, 2)

	rpcStats := snap[0]
	assert.Equal(t, "RPC@get", rpcStats.Key)
	assert.Equal(t, map[string]any{"level": 1}, rpcStats.Context)
	assert.Equal(t, uint64(4), rpcStats.MessagesProcessed)
	assert.Equal(t, uint64(3), rpcStats.MessagesFailed)
	assert.Equal(t, uint64(2), rpcStats.Errors.Logic)
	assert.Equal(t, uint64(1), rpcStats.Errors.Expected)
	assert.Equal(t, "NOT_FOUND", rpcStats.Errors.LastCode)
	assert.Zero(t, rpcStats.InFlight)
	assert.Equal(t, uint64(1), rpcStats.MaxInFlight)
	assert.Equal(t, 4, rpcStats.Latency.SampleSize)

	assert.Equal(t, uint64(1), snap[1].MessagesProcessed, "cron events count against their pattern")
}

func TestSnapshotCopiesContext(t *testing.T) {
	book := newStatsBook()
	book.track(registry.RoleRPC, "RPC@get", map[string]any{"level": 1})
	snap := book.Snapshot()
	snap[0].Context["level"] = 2
	assert.Equal(t, 1, book.Snapshot()[0].Context["level"])
}

func TestLatencyWindowPercentiles(t *testing.T) {
	lw := newLatencyWindow(4)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		lw.Add(time.Duration(ms) * time.Millisecond)
	}
	snap := lw.Snapshot()
	assert.Equal(t, 4, snap.SampleSize, "oldest sample evicted")
	assert.Equal(t, int64(35*time.Millisecond), snap.AverageNs)
	assert.Equal(t, int64(50*time.Millisecond), snap.LastNs)
	assert.Equal(t, int64(35*time.Millisecond), snap.P50Ns)

	assert.Equal(t, LatencyMetrics{}, newLatencyWindow(0).Snapshot())
}

func TestPercentile(t *testing.T) {
	samples := []int64{1, 2, 3, 4}
	assert.Zero(t, percentile(nil, 0.5))
	assert.Equal(t, int64(1), percentile(samples, 0))
	assert.Equal(t, int64(4), percentile(samples, 1))
	assert.Equal(t, int64(2), percentile(samples, 0.5))
}

func TestResourceSampler(t *testing.T) {
	s := newResourceSampler()
	first := s.Snapshot()
	assert.Positive(t, first.Goroutines)
	assert.Positive(t, first.MemoryBytes)
	assert.Zero(t, first.CPUPercent)
	second := s.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}
