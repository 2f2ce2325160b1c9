package syncer

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

type Invalidator interface {
	Invalidate()
}

type Nudger interface {
	Nudge()
}

// ScheduleResync forces a full sync on the given cron schedule, regardless
// of what the change check reports. The returned scheduler is running; stop
// it with Stop.
func ScheduleResync(schedule string, source Invalidator, worker Nudger, logger Logger) (*cron.Cron, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("resync schedule is empty")
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(schedule, func() {
		if logger != nil {
			logger.Printf("scheduled resync")
		}
		source.Invalidate()
		worker.Nudge()
	}); err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}
	scheduler.Start()
	return scheduler, nil
}
