// Package escalation watches for approvals pending past their deadline and
// publishes the timeout events that drive escalation. The sweeper is the only
// clock in the system; the coordinator itself never times anything out.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/phasor-io/phasor/pkg/eventbus"
	"github.com/phasor-io/phasor/pkg/instance"
	"github.com/phasor-io/phasor/pkg/messages"
	"github.com/phasor-io/phasor/pkg/store"
)

// DefaultSchedule checks for overdue approvals once a minute.
const DefaultSchedule = "* * * * *"

// Sweeper periodically scans the store and publishes ApprovalTimedOut for
// every suspended instance whose pending approval passed its deadline.
type Sweeper struct {
	store    store.Store
	bus      eventbus.Bus
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSchedule overrides the sweep cron expression.
func WithSchedule(schedule string) Option {
	return func(s *Sweeper) {
		s.schedule = schedule
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

func NewSweeper(instanceStore store.Store, bus eventbus.Bus, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    instanceStore,
		bus:      bus,
		logger:   logger.With("module", "escalation_sweeper"),
		schedule: DefaultSchedule,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start validates the schedule and begins sweeping.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "Sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Escalation sweeper started", "schedule", s.schedule)

	return nil
}

// Stop halts the scheduler. A sweep already in flight finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("Escalation sweeper stopped")
	}
}

// Sweep runs one pass: every overdue pending approval gets exactly one
// timeout event per request id. The coordinator drops timeouts whose request
// id is no longer pending, so duplicate sweeps are harmless.
func (s *Sweeper) Sweep(ctx context.Context) error {
	instances, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}

	now := s.now().UTC()

	for _, inst := range instances {
		if !overdue(inst, now) {
			continue
		}

		s.logger.InfoContext(ctx, "Approval overdue",
			"instance_id", inst.ID, "approval", inst.Pending.Name,
			"deadline", inst.Pending.Deadline, "request_id", inst.Pending.RequestID)

		msg := messages.ApprovalTimedOut{
			BaseMessage:  messages.NewBaseMessage(messages.ApprovalTimedOutMessage, inst.WorkflowName, inst.ID),
			ApprovalName: inst.Pending.Name,
			RequestID:    inst.Pending.RequestID,
		}

		if err := s.bus.Publish(ctx, inst.ID, msg); err != nil {
			return fmt.Errorf("publishing timeout for instance %s: %w", inst.ID, err)
		}
	}

	return nil
}

func overdue(inst *instance.Instance, now time.Time) bool {
	return inst.Status == instance.StatusSuspended &&
		inst.Pending != nil &&
		now.After(inst.Pending.Deadline)
}
