package taskfabric

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/config"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

// Scheduler turns beat entries into enqueued tasks on a cron cadence.
type Scheduler struct {
	fabric *Fabric
	cron   *cron.Cron
	log    zerolog.Logger
}

// NewScheduler wires the schedule entries into a cron runner. Invalid cron
// expressions fail construction so a bad deploy is caught at startup.
func NewScheduler(fabric *Fabric, entries []config.ScheduleEntry) (*Scheduler, error) {
	s := &Scheduler{
		fabric: fabric,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		log:    logger.New("scheduler"),
	}
	for _, entry := range entries {
		entry := entry
		_, err := s.cron.AddFunc(entry.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := s.fabric.Enqueue(ctx, entry.Queue, entry.Task, nil); err != nil {
				s.log.Error().Err(err).Str("schedule", entry.Name).Msg("scheduled enqueue failed")
				return
			}
			s.log.Info().Str("schedule", entry.Name).Str("task", entry.Task).Str("queue", entry.Queue).
				Msg("scheduled task enqueued")
		})
		if err != nil {
			return nil, errors.Newf(errors.KindValidation, "taskfabric",
				"invalid cron expression %q for schedule %q", entry.Cron, entry.Name)
		}
	}
	return s, nil
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("entries", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop halts the cron runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}
