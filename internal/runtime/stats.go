package runtime

import (
	"context"
	"math"
	goruntime "runtime"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	"github.com/drblury/stardust/internal/runtime/registry"
)

const latencySampleSize = 256

// EndpointStats summarises the traffic one registered endpoint has handled.
type EndpointStats struct {
	Role    string         `json:"role"`
	Key     string         `json:"key"`
	Context map[string]any `json:"context,omitempty"`

	MessagesProcessed uint64         `json:"messages_processed"`
	MessagesFailed    uint64         `json:"messages_failed"`
	InFlight          uint64         `json:"in_flight"`
	MaxInFlight       uint64         `json:"max_in_flight"`
	LastProcessedAt   time.Time      `json:"last_processed_at,omitempty"`
	Latency           LatencyMetrics `json:"latency"`
	Errors            ErrorBreakdown `json:"errors"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// ErrorBreakdown counts failures by error level.
type ErrorBreakdown struct {
	Expected  uint64 `json:"expected"`
	Logic     uint64 `json:"logic"`
	Fatal     uint64 `json:"fatal"`
	LastCode  string `json:"last_code,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Record counts err under its level. Errors without a code count as Logic.
func (e *ErrorBreakdown) Record(err error) {
	if err == nil {
		return
	}
	se := errspkg.Normalize(err)
	switch se.Code.Level {
	case errspkg.LevelExpected:
		e.Expected++
	case errspkg.LevelFatal:
		e.Fatal++
	default:
		e.Logic++
	}
	e.LastCode = se.Code.Name
	e.LastError = err.Error()
}

type endpointTracker struct {
	mu      sync.Mutex
	stats   EndpointStats
	total   time.Duration
	latency *latencyWindow
}

func (t *endpointTracker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.InFlight++
	if t.stats.InFlight > t.stats.MaxInFlight {
		t.stats.MaxInFlight = t.stats.InFlight
	}
}

func (t *endpointTracker) finish(d time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stats.InFlight > 0 {
		t.stats.InFlight--
	}
	t.stats.MessagesProcessed++
	if err != nil {
		t.stats.MessagesFailed++
		t.stats.Errors.Record(err)
	}
	t.stats.LastProcessedAt = time.Now().UTC()

	t.total += d
	t.latency.Add(d)
	snapshot := t.latency.Snapshot()
	snapshot.AverageNs = int64(t.total) / int64(t.stats.MessagesProcessed)
	t.stats.Latency = snapshot
}

func (t *endpointTracker) snapshot() EndpointStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.Context = make(map[string]any, len(t.stats.Context))
	for k, v := range t.stats.Context {
		out.Context[k] = v
	}
	return out
}

// statsBook holds one tracker per registered endpoint, in registration order.
type statsBook struct {
	mu       sync.RWMutex
	order    []string
	trackers map[string]*endpointTracker
}

func newStatsBook() *statsBook {
	return &statsBook{trackers: make(map[string]*endpointTracker)}
}

func statsID(role, key string) string {
	return role + "/" + key
}

func (b *statsBook) track(role registry.Role, key string, ctx map[string]any) {
	id := statsID(string(role), key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.trackers[id]; ok {
		t.mu.Lock()
		t.stats.Context = ctx
		t.mu.Unlock()
		return
	}
	b.order = append(b.order, id)
	b.trackers[id] = &endpointTracker{
		stats:   EndpointStats{Role: string(role), Key: key, Context: ctx},
		latency: newLatencyWindow(latencySampleSize),
	}
}

func (b *statsBook) lookup(role, key string) *endpointTracker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.trackers[statsID(role, key)]
}

// Snapshot returns a copy of every endpoint's stats in registration order.
func (b *statsBook) Snapshot() []EndpointStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]EndpointStats, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.trackers[id].snapshot())
	}
	return out
}

// Middleware records every dispatch against the endpoint it was routed to.
func (b *statsBook) Middleware() handlers.Middleware {
	return func(next handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, msg handlers.Message) (any, error) {
			key := msg.Route
			if key == "" {
				key = msg.Key
			}
			t := b.lookup(msg.Role, key)
			if t == nil {
				return next(ctx, msg)
			}
			t.start()
			started := time.Now()
			out, err := next(ctx, msg)
			t.finish(time.Since(started), err)
			return out, err
		}
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.SampleSize = lw.filled
	m.AverageNs = sum / int64(lw.filled)
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

// percentile interpolates linearly between the two nearest ranks of sorted samples.
func percentile(samples []int64, q float64) int64 {
	switch {
	case len(samples) == 0:
		return 0
	case q <= 0:
		return samples[0]
	case q >= 1:
		return samples[len(samples)-1]
	}
	pos := q * float64(len(samples)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// ResourceUsage is a coarse process snapshot.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceSampler derives CPU usage from the delta between consecutive samples.
type resourceSampler struct {
	mu         sync.Mutex
	samples    []metrics.Sample
	lastCPU    float64
	lastSample time.Time
	numCPU     float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  float64(goruntime.NumCPU()),
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()

	var cpuPercent float64
	if r.samples[0].Value.Kind() == metrics.KindFloat64 {
		cpu := r.samples[0].Value.Float64()
		if !r.lastSample.IsZero() {
			wall := now.Sub(r.lastSample).Seconds()
			if wall > 0 && r.numCPU > 0 {
				cpuPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastSample = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  goruntime.NumGoroutine(),
	}
}
