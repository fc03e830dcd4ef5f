package events

import (
	"strings"
	"time"

	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
)

// CronPrefix is the namespace of periodic event keys.
const CronPrefix = "cron."

const cronWildcard = "*"

// Event is the wire payload published to the event exchange.
type Event struct {
	Key         string    `json:"key"`
	Body        any       `json:"body"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewEvent stamps body with the current UTC time.
func NewEvent(key string, body any) Event {
	return Event{Key: key, Body: body, PublishedAt: time.Now().UTC()}
}

// inbound keeps the body raw so typed handlers decode it themselves.
type inbound struct {
	Key         string               `json:"key"`
	Body        jsoncodec.RawMessage `json:"body"`
	PublishedAt time.Time            `json:"publishedAt"`
}

// IsCronKey reports whether key lives in the cron namespace.
func IsCronKey(key string) bool {
	return strings.HasPrefix(key, CronPrefix)
}

// MatchCron reports whether key matches pattern. Both must have the same
// number of dot-separated segments; "*" in pattern matches any segment.
// Segment 0, the namespace, is not compared.
func MatchCron(pattern, key string) bool {
	p := strings.Split(pattern, ".")
	k := strings.Split(key, ".")
	if len(p) != len(k) {
		return false
	}
	for i := 1; i < len(p); i++ {
		if p[i] != cronWildcard && p[i] != k[i] {
			return false
		}
	}
	return true
}

// ResolveCron returns the first pattern, in order, matching key.
func ResolveCron(patterns []string, key string) (string, bool) {
	for _, pattern := range patterns {
		if MatchCron(pattern, key) {
			return pattern, true
		}
	}
	return "", false
}
