package events

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
)

// Publisher is what the scheduler needs from the router.
type Publisher interface {
	Publish(ctx context.Context, key string, body any) error
}

// Tick is the body of events published by the scheduler.
type Tick struct {
	Schedule  string    `json:"schedule"`
	Scheduled time.Time `json:"scheduled"`
}

// Scheduler publishes cron.* events on cron schedules. Run it in one
// process per system; every instance running it publishes its own ticks.
type Scheduler struct {
	cron      *cron.Cron
	publisher Publisher
	logger    loggingpkg.ServiceLogger
	timeout   time.Duration
}

// NewScheduler creates a stopped scheduler. Specs use the standard five
// fields plus descriptors such as "@daily".
func NewScheduler(publisher Publisher, logger loggingpkg.ServiceLogger) *Scheduler {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	cronLogger := loggingpkg.CronLogger{Base: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		publisher: publisher,
		logger:    logger,
		timeout:   10 * time.Second,
	}
}

// Add publishes an event under key every time spec fires. key must be in the
// cron namespace.
func (s *Scheduler) Add(spec, key string) (cron.EntryID, error) {
	if !IsCronKey(key) {
		return 0, fmt.Errorf("%w: %q is not a cron key", errspkg.ErrTopicRequired, key)
	}
	if s.publisher == nil {
		return 0, errspkg.ErrPublisherRequired
	}
	return s.cron.AddFunc(spec, func() {
		s.fire(spec, key)
	})
}

func (s *Scheduler) fire(spec, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	tick := Tick{Schedule: spec, Scheduled: time.Now().UTC()}
	if err := s.publisher.Publish(ctx, key, tick); err != nil {
		s.logger.Error("Failed to publish cron event", err, loggingpkg.LogFields{"key": key, "schedule": spec})
	}
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running publishes to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
