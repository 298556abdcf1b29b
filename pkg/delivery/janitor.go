package delivery

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/armorclaw/crashtrail/pkg/logger"
)

// DefaultCleanupSchedule runs retention cleanup once an hour
const DefaultCleanupSchedule = "@hourly"

// Cleaner removes expired records
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Janitor runs store retention cleanup on a cron schedule
type Janitor struct {
	cron    *cron.Cron
	cleaner Cleaner
	log     *logger.Logger
}

// NewJanitor schedules cleanup of c. The schedule uses standard cron syntax
// or descriptors such as "@hourly".
func NewJanitor(c Cleaner, schedule string, l *logger.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if l == nil {
		l = logger.Global()
	}

	j := &Janitor{
		cron:    cron.New(),
		cleaner: c,
		log:     l.WithComponent("janitor"),
	}

	if _, err := j.cron.AddFunc(schedule, func() {
		j.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	return j, nil
}

// Start begins running the schedule in the background
func (j *Janitor) Start(ctx context.Context) error {
	j.cron.Start()
	j.log.Debug("janitor started", "entries", len(j.cron.Entries()))
	return nil
}

// Stop halts the schedule and waits for a running cleanup to finish
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce performs a cleanup pass immediately
func (j *Janitor) RunOnce(ctx context.Context) int64 {
	n, err := j.cleaner.Cleanup(ctx)
	if err != nil {
		j.log.ErrorEvent(ctx, "event store cleanup failed", err)
		return 0
	}
	if n > 0 {
		j.log.Info("event store cleanup", "removed", n)
	}
	return n
}
