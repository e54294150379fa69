package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// SchedulerJobs configures the periodic maintenance of the ledger.
type SchedulerJobs struct {
	Rewards    *RewardService
	StaleAfter time.Duration

	Tasks        *TaskRegistry
	TasksRefresh time.Duration

	// Archiver is optional; nil disables the nightly upload.
	Archiver *LedgerArchiver
}

// StartScheduler registers the jobs and starts the scheduler. The caller
// shuts it down.
func StartScheduler(jobs SchedulerJobs, loc *time.Location, logger *zap.Logger) (gocron.Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	if jobs.Rewards != nil && jobs.StaleAfter > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(1*time.Minute),
			gocron.NewTask(runStaleSweep, jobs, logger),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule stale sweep: %w", err)
		}
	}

	if jobs.Tasks != nil && jobs.TasksRefresh > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(jobs.TasksRefresh),
			gocron.NewTask(func() {
				if err := jobs.Tasks.Refresh(context.Background()); err != nil {
					logger.Error("[Scheduler] task refresh failed", zap.Error(err))
				}
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule task refresh: %w", err)
		}
	}

	if jobs.Archiver != nil {
		_, err = sched.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 10, 0))),
			gocron.NewTask(runLedgerArchive, jobs, logger),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule ledger archive: %w", err)
		}
	}

	sched.Start()
	return sched, nil
}

func runStaleSweep(jobs SchedulerJobs, logger *zap.Logger) {
	cutoff := jobs.Rewards.Ledger.Clock.Now().Add(-jobs.StaleAfter)
	if _, err := jobs.Rewards.SweepStaleVerifications(context.Background(), cutoff); err != nil {
		logger.Error("[Scheduler] stale sweep failed", zap.Error(err))
	}
}

func runLedgerArchive(jobs SchedulerJobs, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, _, err := jobs.Archiver.ArchivePreviousDay(ctx); err != nil {
		logger.Error("[Scheduler] ledger archive failed", zap.Error(err))
	}
}
