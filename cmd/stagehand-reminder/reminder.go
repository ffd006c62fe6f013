// Package main provides the Stagehand reminder daemon. It periodically scans
// open steps and publishes a reminder event for each one that has been pending
// past the configured threshold.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvora/stagehand/pkg/eventbus"
	"github.com/calvora/stagehand/pkg/events"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/robfig/cron/v3"
)

type Reminder struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger
	threshold   time.Duration
	now         func() time.Time
	cron        *cron.Cron
}

func NewReminder(
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	threshold time.Duration,
) *Reminder {
	return &Reminder{
		persistence: persistence,
		eventBus:    eventBus,
		logger:      logger,
		threshold:   threshold,
		now:         time.Now,
	}
}

// Start schedules the scan on the given cron expression and blocks until the
// context is cancelled.
func (r *Reminder) Start(ctx context.Context, cronExpr string) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := r.cron.AddFunc(cronExpr, func() {
		if err := r.Scan(ctx); err != nil {
			r.logger.ErrorContext(ctx, "Reminder scan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reminder scan: %w", err)
	}

	r.cron.Start()
	r.logger.InfoContext(ctx, "Reminder daemon started",
		"cron", cronExpr, "threshold", r.threshold.String())

	<-ctx.Done()

	stopCtx := r.cron.Stop()
	<-stopCtx.Done()

	return nil
}

// Scan publishes one StepReminder per open step pending past the threshold.
func (r *Reminder) Scan(ctx context.Context) error {
	steps, err := r.persistence.StepRepository().ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open steps: %w", err)
	}

	now := r.now().UTC()
	published := 0

	for _, step := range steps {
		pending := now.Sub(step.CreatedAt)
		if pending < r.threshold {
			continue
		}

		if err := r.remind(ctx, step, pending); err != nil {
			r.logger.ErrorContext(ctx, "Failed to publish step reminder",
				"step_id", step.ID, "instance_id", step.InstanceID, "error", err)

			continue
		}

		published++
	}

	r.logger.InfoContext(ctx, "Reminder scan finished",
		"open_steps", len(steps), "reminders", published)

	return nil
}

func (r *Reminder) remind(ctx context.Context, step *models.ActiveStep, pending time.Duration) error {
	event := events.StepReminder{
		BaseEvent:  events.NewBaseEvent(events.StepReminderEvent, step.InstanceID),
		StepID:     step.ID,
		NodeID:     step.NodeID,
		AssignedTo: step.AssignedUserID,
		PendingFor: pending.Round(time.Minute).String(),
		CreatedAt:  step.CreatedAt,
	}

	return r.eventBus.Publish(ctx, step.InstanceID, event)
}
