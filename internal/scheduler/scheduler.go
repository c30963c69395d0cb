// Package scheduler runs TriagePipe's periodic work on cron expressions: weekly insight
// reports, weekly client check-ins and case-manager reminders for due follow-ups.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules, in standard 5-field cron syntax.
const (
	DefaultInsightsSpec = "0 6 * * 1"
	DefaultCheckInSpec  = "0 10 * * 3"
	DefaultFollowUpSpec = "*/15 * * * *"
)

// Opts holds optional configuration for a Scheduler.
type Opts struct {
	Location *time.Location
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithLocation evaluates cron expressions in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	// min, hour, dom, month, dow
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under expr. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", expr, name, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "spec", expr, "next", s.cron.Entry(id).Next)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
