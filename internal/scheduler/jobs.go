package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/insight"
	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
)

const defaultJobTimeout = 10 * time.Minute

// CheckInSender delivers a proactive message to a client and records it.
type CheckInSender interface {
	SendCheckIn(ctx context.Context, p models.ClientProfile, text string) error
}

// FollowUpNotifier reminds a case manager of a due follow-up.
type FollowUpNotifier interface {
	NotifyFollowUp(ctx context.Context, p models.ClientProfile, item models.ActionItem) error
}

// Schedule holds the cron expressions of the registered jobs. An empty expression disables
// the job.
type Schedule struct {
	Insights  string
	CheckIns  string
	FollowUps string
}

// DefaultSchedule returns the stock schedule.
func DefaultSchedule() Schedule {
	return Schedule{Insights: DefaultInsightsSpec, CheckIns: DefaultCheckInSpec, FollowUps: DefaultFollowUpSpec}
}

// JobsOpts holds optional collaborators of Jobs.
type JobsOpts struct {
	Notifier   FollowUpNotifier
	Metrics    *metrics.TriageMetrics
	WindowDays int
	Timeout    time.Duration
	Clock      func() time.Time
}

// JobsOption configures Jobs.
type JobsOption func(*JobsOpts)

// WithFollowUpNotifier sets where due follow-ups are reported.
func WithFollowUpNotifier(n FollowUpNotifier) JobsOption {
	return func(o *JobsOpts) { o.Notifier = n }
}

// WithMetrics records generated insights.
func WithMetrics(m *metrics.TriageMetrics) JobsOption {
	return func(o *JobsOpts) { o.Metrics = m }
}

// WithInsightWindow sets the look-back window of the weekly insight report.
func WithInsightWindow(days int) JobsOption {
	return func(o *JobsOpts) { o.WindowDays = days }
}

// WithJobTimeout bounds a single job run.
func WithJobTimeout(d time.Duration) JobsOption {
	return func(o *JobsOpts) { o.Timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) JobsOption {
	return func(o *JobsOpts) { o.Clock = now }
}

// Jobs implements the periodic work over the store.
type Jobs struct {
	store    store.Store
	insights *insight.Generator
	checkins *flow.CheckInWriter
	sender   CheckInSender
	notifier FollowUpNotifier
	metrics  *metrics.TriageMetrics
	window   int
	timeout  time.Duration
	now      func() time.Time
}

// NewJobs creates the job set. sender may be nil, which disables check-ins.
func NewJobs(st store.Store, insights *insight.Generator, checkins *flow.CheckInWriter, sender CheckInSender, opts ...JobsOption) *Jobs {
	cfg := JobsOpts{
		WindowDays: insight.DefaultWindowDays,
		Timeout:    defaultJobTimeout,
		Clock:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Jobs{
		store:    st,
		insights: insights,
		checkins: checkins,
		sender:   sender,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		window:   cfg.WindowDays,
		timeout:  cfg.Timeout,
		now:      cfg.Clock,
	}
}

// Register adds every enabled job of sched to s. Job runs derive from ctx.
func (j *Jobs) Register(ctx context.Context, s *Scheduler, sched Schedule) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"insights", sched.Insights, j.RunInsights},
		{"checkins", sched.CheckIns, j.RunCheckIns},
		{"followups", sched.FollowUps, j.RunFollowUps},
	}
	for _, job := range jobs {
		if job.spec == "" {
			slog.Debug("Jobs.Register: job disabled", "job", job.name)
			continue
		}
		job := job
		err := s.AddJob(job.name, job.spec, func() {
			runCtx, cancel := context.WithTimeout(ctx, j.timeout)
			defer cancel()
			start := time.Now()
			if err := job.run(runCtx); err != nil {
				slog.Error("Jobs: run failed", "job", job.name, "error", err, "elapsed", time.Since(start))
				return
			}
			slog.Debug("Jobs: run finished", "job", job.name, "elapsed", time.Since(start))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RecoverPending reports follow-ups that came due while the process was down.
func (j *Jobs) RecoverPending(ctx context.Context) error {
	slog.Info("Jobs.RecoverPending: checking follow-ups missed while stopped")
	return j.RunFollowUps(ctx)
}

// RunInsights generates and stores an insight report for every client.
func (j *Jobs) RunInsights(ctx context.Context) error {
	clients, err := j.store.ListClients(ctx)
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}
	var errs []error
	for _, p := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		history, err := j.store.History(ctx, p.ID, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("history for %s: %w", p.ID, err))
			continue
		}
		saved, err := j.store.SaveInsights(ctx, j.insights.Generate(ctx, p, history, j.window))
		if err != nil {
			errs = append(errs, fmt.Errorf("save insights for %s: %w", p.ID, err))
			continue
		}
		j.metrics.ObserveInsights(saved)
		slog.Debug("Jobs.RunInsights: report stored", "client", p.ID, "insights", len(saved))
	}
	slog.Info("Jobs.RunInsights: weekly insights generated", "clients", len(clients), "failures", len(errs))
	return errors.Join(errs...)
}

// RunCheckIns writes and sends a check-in to every client with a phone number.
func (j *Jobs) RunCheckIns(ctx context.Context) error {
	if j.sender == nil {
		slog.Debug("Jobs.RunCheckIns: no sender configured, skipping")
		return nil
	}
	clients, err := j.store.ListClients(ctx)
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}
	sent := 0
	var errs []error
	for _, p := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Phone == "" {
			continue
		}
		history, err := j.store.History(ctx, p.ID, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("history for %s: %w", p.ID, err))
			continue
		}
		checkIn, err := j.checkins.Write(ctx, p, history)
		if err != nil {
			slog.Warn("Jobs.RunCheckIns: using template check-in", "client", p.ID, "error", err)
		}
		if err := j.sender.SendCheckIn(ctx, p, checkIn.Message); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	slog.Info("Jobs.RunCheckIns: check-ins sent", "sent", sent, "failures", len(errs))
	return errors.Join(errs...)
}

// RunFollowUps reports every due follow-up and marks it done. Items whose notification fails
// stay pending for the next run.
func (j *Jobs) RunFollowUps(ctx context.Context) error {
	due, err := j.store.DueFollowUps(ctx, j.now())
	if err != nil {
		return fmt.Errorf("failed to load due follow-ups: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	var errs []error
	for _, item := range due {
		p, err := j.store.GetClient(ctx, item.ClientID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			slog.Warn("Jobs.RunFollowUps: follow-up for unknown client, closing", "id", item.ID, "client", item.ClientID)
		case err != nil:
			errs = append(errs, fmt.Errorf("client %s: %w", item.ClientID, err))
			continue
		case j.notifier != nil:
			if err := j.notifier.NotifyFollowUp(ctx, p, item); err != nil {
				errs = append(errs, fmt.Errorf("notify follow-up %s: %w", item.ID, err))
				continue
			}
		default:
			slog.Info("Jobs.RunFollowUps: follow-up due", "client", p.ID, "task", item.Task, "type", item.Type)
		}
		if err := j.store.MarkFollowUpDone(ctx, item.ID); err != nil {
			errs = append(errs, fmt.Errorf("mark follow-up %s done: %w", item.ID, err))
		}
	}
	slog.Info("Jobs.RunFollowUps: due follow-ups processed", "due", len(due), "failures", len(errs))
	return errors.Join(errs...)
}
