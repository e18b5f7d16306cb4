package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	logx "modguard/pkg/logx"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_job_runs_total",
		Help: "Scheduled job runs, by job and result.",
	}, []string{"job", "result"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modguard_job_duration_seconds",
		Help:    "Scheduled job run time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
)

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional accepts both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers job under name, replacing any schedule with the same name.
// Jobs added before Start are registered when it runs.
func (s *Service) Add(name, schedule string, opt Options, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: ps.String(), opt: opt, job: job, stats: &runStats{}})
	d := &s.defs[len(s.defs)-1]
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
		if opt.RunOnStart {
			s.runAsync(d.wrapped)
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec), logx.Duration("timeout", opt.Timeout))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Start begins triggering. Runs get contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	for i := range s.defs {
		if s.defs[i].opt.RunOnStart {
			s.runAsync(s.defs[i].wrapped)
		}
	}
	s.log.Info("scheduler started", logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, cancels running jobs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopped := c.Stop()
	cancel()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
}

// RunNow runs name synchronously on the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d = &s.defs[i]
			break
		}
	}
	if d == nil {
		s.mu.Unlock()
		return fmt.Errorf("unknown schedule %q", name)
	}
	def := *d
	s.mu.Unlock()
	return s.run(ctx, def)
}

func (s *Service) registerLocked(d *scheduleDef) error {
	def := *d
	cl := cronLogger{log: s.log}
	d.wrapped = cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.runs.Add(1)
		defer s.runs.Done()
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.run(ctx, def)
	}))

	ps, err := ParseSchedule(d.spec)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		d.entryID = s.c.Schedule(intervalSchedule(ps.Every, time.Now(), d.name, d.opt.Spread), d.wrapped)
		return nil
	}
	id, err := s.c.AddJob(ps.Cron, d.wrapped)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) runAsync(j cron.Job) {
	go j.Run()
}

func (s *Service) run(ctx context.Context, d scheduleDef) error {
	if d.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opt.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	took := time.Since(start)

	d.stats.mu.Lock()
	d.stats.runs++
	d.stats.lastRun, d.stats.lastTook = start, took
	d.stats.lastErr = ""
	if err != nil {
		d.stats.failures++
		d.stats.lastErr = err.Error()
	}
	d.stats.mu.Unlock()

	jobDuration.WithLabelValues(d.name).Observe(took.Seconds())
	if err != nil {
		jobRuns.WithLabelValues(d.name, "error").Inc()
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
		return err
	}
	jobRuns.WithLabelValues(d.name, "ok").Inc()
	return nil
}

// Snapshot lists registered schedules with their run statistics.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.opt.Timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.stats.mu.Lock()
		it.Runs, it.Failures = d.stats.runs, d.stats.failures
		it.LastRun, it.LastTook, it.LastErr = d.stats.lastRun, d.stats.lastTook, d.stats.lastErr
		d.stats.mu.Unlock()
		out = append(out, it)
	}
	return out
}
