// Package scheduler fires declared cron prompts into agents and runs
// the periodic reflection cycle during active hours.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one agent's scheduled prompt.
type Job struct {
	AgentID    string
	Expression string
	Prompt     string
}

// Options wires the scheduler to the runtime without importing it.
type Options struct {
	// Deliver injects a prompt into an agent; false means the agent
	// was busy and the tick was skipped.
	Deliver func(ctx context.Context, agentID, prompt string) bool

	// Reflect runs one reflection cycle across all agents.
	Reflect func(ctx context.Context)

	ReflectionInterval time.Duration
	ActiveHoursStart   int
	ActiveHoursEnd     int

	Logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// Scheduler owns one cron instance plus the reflection ticker. Rebuilt
// on every graph reload: Stop the old one, New and Start a fresh one.
type Scheduler struct {
	opts Options
	cron *cron.Cron
	log  *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	started bool
}

// standard five-field cron expressions plus @hourly style descriptors
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.ReflectionInterval <= 0 {
		opts.ReflectionInterval = time.Hour
	}
	return &Scheduler{
		opts: opts,
		cron: cron.New(cron.WithParser(parser)),
		log:  log.With("component", "scheduler"),
	}
}

// Load registers the given jobs. An invalid expression is logged and
// skipped; the rest still schedule. Returns the number registered.
func (s *Scheduler) Load(jobs []Job) int {
	registered := 0
	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.Expression, func() {
			if s.opts.Deliver == nil {
				return
			}
			if !s.opts.Deliver(context.Background(), job.AgentID, job.Prompt) {
				s.log.Info("cron tick skipped, agent busy", "agent", job.AgentID)
			}
		})
		if err != nil {
			s.log.Warn("invalid cron expression skipped",
				"agent", job.AgentID, "expression", job.Expression, "error", err)
			continue
		}
		registered++
	}
	return registered
}

// Start launches the cron loop and the reflection ticker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.cron.Start()

	if s.opts.Reflect != nil {
		go s.reflectionLoop(s.stop)
	}
}

// Stop halts both loops. Running jobs finish; new ticks stop firing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cron.Stop()
	close(s.stop)
}

func (s *Scheduler) reflectionLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.opts.ReflectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.withinActiveHours(s.opts.now()) {
				continue
			}
			s.opts.Reflect(context.Background())
		case <-stop:
			return
		}
	}
}

// withinActiveHours reports whether t falls inside the configured
// [start, end) window. A degenerate window disables reflection.
func (s *Scheduler) withinActiveHours(t time.Time) bool {
	start, end := s.opts.ActiveHoursStart, s.opts.ActiveHoursEnd
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	// window wraps midnight
	return h >= start || h < end
}
