// Package scheduler is the cron-style task scheduler (spec §4.7),
// grounded on aristath-sentinel/trader-go/internal/scheduler/scheduler.go
// (robfig/cron/v3, cron.WithSeconds(), AddJob/Start/Stop), extended with
// the job registry (enable/disable/pause/resume/trigger-once) and the
// Asia/Shanghai timezone fixed location spec §9 requires.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

// JobFunc is one scheduled unit of work. Async job methods are expected
// to return quickly after dispatching their own goroutine; Scheduler
// enforces a 5-minute ceiling on whatever JobFunc itself blocks for.
type JobFunc func() error

// entry is one registered job's live state.
type entry struct {
	name      string
	group     string
	cronExpr  string
	method    string
	enabled   bool
	fn        JobFunc
	cronID    cron.EntryID
	lastFired time.Time
}

// asyncCeiling bounds how long an async job method may run (spec §4.7).
const asyncCeiling = 5 * time.Minute

// Scheduler wraps a robfig/cron/v3.Cron configured for 5- or 6-field
// expressions in Asia/Shanghai, plus a name-addressable job registry.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(shanghai),
			cron.WithParser(cron.NewParser(
				cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
		),
		log:     log.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]*entry),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers a named job under a cron expression (5- or 6-field,
// per the parser configured above) bound to a method name, sync or
// async alike — both are just a JobFunc from the scheduler's point of
// view (spec §4.7: "Sync methods run in-thread; async methods are
// dispatched onto the Trader's event loop ... and awaited with a
// 5-minute ceiling").
func (s *Scheduler) AddJob(name, group, cronExpr, method string, enabled bool, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	e := &entry{name: name, group: group, cronExpr: cronExpr, method: method, enabled: enabled, fn: fn}
	id, err := s.cron.AddFunc(cronExpr, func() { s.fire(e) })
	if err != nil {
		return fmt.Errorf("add job %q: %w", name, err)
	}
	e.cronID = id
	if !enabled {
		s.cron.Remove(id) // registered but not firing until ToggleJob(true)
	}
	s.entries[name] = e
	return nil
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	e.lastFired = time.Now()
	fn := e.fn
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			s.log.Error().Err(err).Str("job", e.name).Msg("job failed")
		}
	case <-time.After(asyncCeiling):
		s.log.Error().Str("job", e.name).Dur("ceiling", asyncCeiling).Msg("job exceeded async ceiling, abandoning wait")
	}
}

// TriggerNow runs a job immediately, outside its schedule (spec §4.7:
// "Manual triggers create a one-shot job with a unique id and fire
// immediately" — modeled here as an immediate fire of the existing entry
// on its own goroutine, since the job identity itself does not change;
// TriggerNow returns without waiting for the job to finish).
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	go s.fire(e)
	return nil
}

// Pause stops a job from firing without forgetting it.
func (s *Scheduler) Pause(name string) error { return s.setEnabled(name, false) }

// Resume re-enables a previously paused job.
func (s *Scheduler) Resume(name string) error { return s.setEnabled(name, true) }

// ToggleJob is Pause/Resume driven by an explicit flag; toggling to the
// current state is a no-op (spec §8 idempotence property).
func (s *Scheduler) ToggleJob(name string, enabled bool) error { return s.setEnabled(name, enabled) }

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if e.enabled == enabled {
		return nil // no-op (spec §8)
	}
	if enabled {
		id, err := s.cron.AddFunc(e.cronExpr, func() { s.fire(e) })
		if err != nil {
			return fmt.Errorf("re-enable job %q: %w", name, err)
		}
		e.cronID = id
	} else {
		s.cron.Remove(e.cronID)
	}
	e.enabled = enabled
	return nil
}

// JobInfo is the read-only view returned by get_jobs.
type JobInfo struct {
	Name        string
	Group       string
	CronExpr    string
	Method      string
	Enabled     bool
	LastTrigger time.Time
}

func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobInfo{
			Name: e.name, Group: e.group, CronExpr: e.cronExpr,
			Method: e.method, Enabled: e.enabled, LastTrigger: e.lastFired,
		})
	}
	return out
}
