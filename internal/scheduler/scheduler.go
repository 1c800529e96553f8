package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron   *cron.Cron
	Runner *Runner
	Ctx    context.Context
	log    *zap.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, runner *Runner, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DiscardLogger))),
		Runner: runner,
		Ctx:    ctx,
		log:    log,
	}
}

// RegisterAll registers one job per snapshot family.
func (s *Scheduler) RegisterAll(regimeCron, liquidityCron, protocolCron string) error {
	specs := map[Family]string{
		FamilyRegime:    regimeCron,
		FamilyLiquidity: liquidityCron,
		FamilyProtocol:  protocolCron,
	}
	for _, family := range Families {
		if _, err := s.Cron.AddFunc(specs[family], func() { s.run(family) }); err != nil {
			return fmt.Errorf("register %s task: %w", family, err)
		}
		s.log.Info("task registered", zap.String("family", string(family)), zap.String("cron", specs[family]))
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunAllNow runs every family once, regime first so later families have a regime to
// synthesize with.
func (s *Scheduler) RunAllNow() {
	for _, family := range Families {
		s.run(family)
	}
}

func (s *Scheduler) run(family Family) {
	if s.Ctx.Err() != nil {
		return
	}
	s.log.Info("running task", zap.String("family", string(family)))
	if _, err := s.Runner.RunCycle(s.Ctx, family); err != nil {
		s.log.Warn("task finished with error", zap.String("family", string(family)), zap.Error(err))
	}
}

// HandleCommand processes an operator command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, operator, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	switch strings.ToLower(fields[0]) {
	case "/status":
		reply, err := s.Runner.Status(ctx)
		if err != nil {
			return fmt.Sprintf("❌ status unavailable: %v", err)
		}
		return reply
	case "/pending":
		reply, err := s.Runner.Pending(ctx)
		if err != nil {
			return fmt.Sprintf("❌ pending list unavailable: %v", err)
		}
		return reply
	case "/approve":
		if len(fields) != 2 {
			return "Usage: /approve &lt;id&gt;"
		}
		// Runner.Approve already announces the promotion on every channel.
		if _, err := s.Runner.Approve(ctx, fields[1], operator); err != nil {
			return fmt.Sprintf("❌ approve failed: %v", err)
		}
		return ""
	default:
		return "Available commands:\n• /status\n• /pending\n• /approve &lt;id&gt;"
	}
}
