// Package scheduler runs the periodic sweeps. Each job is a function of the
// current time that returns how many records it touched; jobs run on their
// own interval with no ordering between them.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bloodbank/bloodbank/internal/platform/metrics"
)

// JobFunc performs one sweep as of now.
type JobFunc func(ctx context.Context, now time.Time) (affected int, err error)

type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// Locker guards a run so that one replica executes it. A nil Locker runs
// every job locally.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

type Options struct {
	Locker Locker
	// LockTTL bounds how long a run holds its lock. Zero uses the job interval.
	LockTTL time.Duration
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type Scheduler struct {
	jobs    map[string]Job
	locker  Locker
	lockTTL time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func New(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		jobs:    make(map[string]Job),
		locker:  opts.Locker,
		lockTTL: opts.LockTTL,
		now:     opts.Now,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a function")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s needs a positive interval", j.Name)
	}
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %s", j.Name)
	}
	s.jobs[j.Name] = j
	return nil
}

// Names lists the registered jobs, sorted.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start runs every job on its interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.Names() {
		job := s.jobs[name]
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.logger.Info().Str("job", job.Name).Dur("interval", job.Interval).Msg("scheduler job started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.run(ctx, job); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Str("job", job.Name).Msg("scheduled job failed")
			}
		}
	}
}

// RunOnce executes a job immediately. The CLI sweep commands use it.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	job, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (int, error) {
	if s.locker != nil {
		ttl := s.lockTTL
		if ttl <= 0 {
			ttl = job.Interval
		}
		release, ok, err := s.locker.TryLock(ctx, job.Name, ttl)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.logger.Debug().Str("job", job.Name).Msg("job held by another replica")
			return 0, nil
		}
		defer release()
	}

	start := time.Now()
	affected, err := job.Run(ctx, s.now())
	s.metrics.ObserveSweep(job.Name, start, affected, err)
	if err == nil && affected > 0 {
		s.logger.Info().Str("job", job.Name).Int("affected", affected).Dur("took", time.Since(start)).Msg("job finished")
	}
	return affected, err
}
