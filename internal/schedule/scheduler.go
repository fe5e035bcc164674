// Package schedule runs SQL statements on CRON expressions or fixed
// intervals, for recurring maintenance work such as refreshes, purges, and
// health probes.
package schedule

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Executor is the execution entry point a scheduler drives. The facade
// connection satisfies it; tests substitute a recorder.
type Executor interface {
	ExecuteSQL(ctx context.Context, sql string) error
}

// Job describes one scheduled statement. Exactly one of CronExpr and
// Interval must be set.
type Job struct {
	Name     string
	SQL      string
	CronExpr string
	Interval time.Duration

	// NoOverlap skips a firing while the previous run is still in flight.
	NoOverlap bool

	// MaxRuntime bounds one run. Zero selects a 5 minute default.
	MaxRuntime time.Duration

	// Timezone names the location CRON expressions are evaluated in.
	// Empty means UTC.
	Timezone string
}

type jobRun struct {
	name      string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Scheduler owns a cron runner with seconds resolution plus a ticker loop
// for interval jobs.
type Scheduler struct {
	executor Executor
	cron     *cron.Cron

	mu       sync.Mutex
	running  map[uint64]*jobRun
	nextRun  uint64
	interval []*intervalJob
	stop     chan struct{}
	started  bool
}

type intervalJob struct {
	job    Job
	nextAt time.Time
}

// New creates a stopped scheduler.
func New(executor Executor) *Scheduler {
	return &Scheduler{
		executor: executor,
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithSeconds()),
		running:  make(map[uint64]*jobRun),
	}
}

// Add registers a job. CRON jobs take effect on the runner immediately;
// interval jobs fire first after one interval.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("sqlwire: scheduled job needs a name")
	}
	if (job.CronExpr == "") == (job.Interval == 0) {
		return fmt.Errorf("sqlwire: job %q must set exactly one of cron expression and interval", job.Name)
	}
	if job.CronExpr != "" {
		expr := job.CronExpr
		if job.Timezone != "" {
			if _, err := time.LoadLocation(job.Timezone); err != nil {
				return fmt.Errorf("sqlwire: job %q has invalid timezone %q: %w", job.Name, job.Timezone, err)
			}
			expr = "CRON_TZ=" + job.Timezone + " " + expr
		}
		j := job
		if _, err := s.cron.AddFunc(expr, func() { s.runJob(j) }); err != nil {
			return fmt.Errorf("sqlwire: job %q has invalid cron expression %q: %w", job.Name, job.CronExpr, err)
		}
		return nil
	}
	if job.Interval < time.Second {
		return fmt.Errorf("sqlwire: job %q interval below one second", job.Name)
	}
	s.mu.Lock()
	s.interval = append(s.interval, &intervalJob{job: job, nextAt: time.Now().Add(job.Interval)})
	s.mu.Unlock()
	return nil
}

// Start begins firing jobs. A stopped scheduler may be started again.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	// A fresh channel per generation so the ticker loop of a restarted
	// scheduler does not observe an earlier Stop.
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()
	s.cron.Start()
	go s.tickIntervals(stop)
}

// Stop halts firing and cancels in-flight runs. It waits for the cron runner
// to drain but not for the cancelled runs to unwind.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	for _, run := range s.running {
		log.Printf("sqlwire: canceling running job %q", run.name)
		run.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tickIntervals(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.fireDueIntervals(now)
		}
	}
}

func (s *Scheduler) fireDueIntervals(now time.Time) {
	s.mu.Lock()
	var due []Job
	for _, ij := range s.interval {
		if !now.Before(ij.nextAt) {
			due = append(due, ij.job)
			ij.nextAt = now.Add(ij.job.Interval)
		}
	}
	s.mu.Unlock()
	for _, job := range due {
		s.runJob(job)
	}
}

func (s *Scheduler) runJob(job Job) {
	s.mu.Lock()
	if job.NoOverlap {
		for _, run := range s.running {
			if run.name == job.Name {
				s.mu.Unlock()
				log.Printf("sqlwire: job %q still running, skipping", job.Name)
				return
			}
		}
	}
	timeout := job.MaxRuntime
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	// Runs are keyed by their own id, not the job name: without NoOverlap one
	// job may have several runs in flight at once.
	id := s.nextRun
	s.nextRun++
	s.running[id] = &jobRun{name: job.Name, startedAt: time.Now(), cancel: cancel}
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
		}()
		if err := s.executor.ExecuteSQL(ctx, job.SQL); err != nil {
			log.Printf("sqlwire: job %q failed: %v", job.Name, err)
			return
		}
		log.Printf("sqlwire: job %q completed", job.Name)
	}()
}

// Running reports the names of jobs currently in flight, one entry per run.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for _, run := range s.running {
		names = append(names, run.name)
	}
	return names
}
