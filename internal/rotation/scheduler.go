// Package rotation re-renders date-templated feed paths on a cron
// schedule and points the tailing drivers at the new files.
package rotation

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule rotates at midnight local time, when daily feed files
// roll over.
const DefaultSchedule = "0 0 * * *"

// Switcher is the part of a tailing driver the scheduler drives: the
// current feed path and the ability to move to a new one.
type Switcher interface {
	Path() string
	Switch(path string)
}

type agent struct {
	name     string
	template string
	target   Switcher
}

// Scheduler re-renders registered path templates on a cron schedule and
// switches any driver whose rendered path has changed.
type Scheduler struct {
	schedule string
	agents   []agent
	cron     *cron.Cron
	running  bool
	mu       sync.Mutex
	now      func() time.Time
	logger   zerolog.Logger
}

// SchedulerConfig holds configuration for the rotation scheduler
type SchedulerConfig struct {
	Schedule string // Cron schedule string (e.g., "0 0 * * *")
	Logger   zerolog.Logger
}

// NewScheduler creates a new rotation scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid rotation schedule %q: %w", schedule, err)
	}

	s := &Scheduler{
		schedule: schedule,
		now:      time.Now,
		logger:   cfg.Logger.With().Str("component", "rotation-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", schedule).
		Msg("Rotation scheduler initialized")

	return s, nil
}

// Register adds an agent whose feed path should be re-rendered each
// cycle. Agents with a static path never rotate and are skipped.
func (s *Scheduler) Register(name, template string, target Switcher) {
	if !HasTemplate(template) {
		s.logger.Debug().Str("agent", name).Msg("Static feed path, rotation not scheduled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append(s.agents, agent{name: name, template: template, target: target})
}

// Start starts the rotation scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Rotation scheduler already running")
		return nil
	}

	if len(s.agents) == 0 {
		s.logger.Info().Msg("No templated feed paths, rotation scheduler idle")
		return nil
	}

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))

	if _, err := s.cron.AddFunc(s.schedule, s.rotate); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Int("agents", len(s.agents)).
		Time("next_run", s.getNextRun()).
		Msg("Rotation scheduler started")

	return nil
}

// Stop stops the rotation scheduler
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		return
	}

	c := s.cron
	s.running = false
	s.mu.Unlock() // rotate() takes the same lock, release before draining

	if c != nil {
		ctx := c.Stop()
		<-ctx.Done() // Wait for a running cycle to complete
	}

	s.logger.Info().Msg("Rotation scheduler stopped")
}

// rotate runs one rotation cycle over all registered agents
func (s *Scheduler) rotate() {
	s.mu.Lock()
	agents := make([]agent, len(s.agents))
	copy(agents, s.agents)
	s.mu.Unlock()

	now := s.now()
	var switched int
	for _, a := range agents {
		next := RenderPath(a.template, now)
		current := a.target.Path()
		if next == current {
			continue
		}

		s.logger.Info().
			Str("agent", a.name).
			Str("from", current).
			Str("to", next).
			Msg("Rotating feed path")
		a.target.Switch(next)
		switched++
	}

	if switched == 0 {
		s.logger.Debug().Msg("No feed paths changed")
		return
	}
	s.logger.Info().Int("switched", switched).Msg("Rotation cycle completed")
}

// TriggerNow runs one rotation cycle immediately
func (s *Scheduler) TriggerNow() {
	s.logger.Info().Msg("Manual rotation trigger")
	s.rotate()
}

// getNextRun returns the next scheduled run time
func (s *Scheduler) getNextRun() time.Time {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}

// Status returns scheduler status
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":  s.running,
		"schedule": s.schedule,
		"agents":   len(s.agents),
	}

	if s.running {
		status["next_run"] = s.getNextRun().Format(time.RFC3339)
	}

	return status
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
