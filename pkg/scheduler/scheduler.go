package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job names
const (
	JobProcessCycles = "process-cycles"
	JobHandleOverdue = "handle-overdue"
	JobRetryFailed   = "retry-failed-cycles"
	JobBackfillPDFs  = "backfill-pdfs"
)

// DefaultJobTimeout bounds a single job run
const DefaultJobTimeout = 30 * time.Minute

// JobFunc runs one job for the given wall clock
type JobFunc func(ctx context.Context, now time.Time) error

// Job is a named, scheduled unit of billing work
type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
}

// Scheduler runs billing jobs on cron schedules. A job never overlaps itself,
// and a panic in one run is logged and does not stop later runs.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]Job
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *observability.Metrics

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithJobTimeout bounds each run
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the wall clock handed to jobs
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics records job runs on m
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates an idle scheduler. Schedules are evaluated in UTC and jobs
// receive a UTC wall clock.
func New(log logrus.FieldLogger, opts ...Option) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	s := &Scheduler{
		jobs:    make(map[string]Job),
		timeout: DefaultJobTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.WithField("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}

	cronLog := cron.VerbosePrintfLogger(s.log)
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register adds a job under its cron schedule
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.Tick(s.baseCtx, job.Name, s.now()); err != nil {
			s.log.WithError(err).WithField("job", job.Name).Error("Scheduled job failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names in order
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick runs the named job once with the configured timeout
func (s *Scheduler) Tick(ctx context.Context, name string, now time.Time) (err error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := s.log.WithField("job", name)
	log.Info("Starting job")
	start := time.Now()
	defer func() {
		duration := time.Since(start)
		s.metrics.JobRun(name, duration, err)
		if err == nil {
			log.WithField("duration", duration).Info("Job completed")
		}
	}()

	if err := job.Run(ctx, now); err != nil {
		return fmt.Errorf("job %s failed: %w", name, err)
	}
	return nil
}

// Start begins firing jobs on their schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.log.WithField("next", entry.Next).Debug("Scheduled job")
	}
	s.log.WithField("jobs", s.Jobs()).Info("Scheduler started")
}

// Stop prevents new runs, cancels running ones and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}
}
