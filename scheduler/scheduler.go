package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"scrape_runs/config"
	"scrape_runs/models"
)

const commandPollInterval = 2 * time.Second

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Flusher empties a cache.
type Flusher interface {
	Flush(ctx context.Context)
}

// Orchestrator is the part of the run orchestrator the scheduler drives.
type Orchestrator interface {
	Refresh(ctx context.Context, region, category, search, pages string) (*models.Run, bool, error)
	HandleCommand(ctx context.Context, cmd *models.Command) error
}

type CommandStore interface {
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
}

type Scheduler struct {
	cfg          *config.Config
	orchestrator Orchestrator
	store        CommandStore
	cron         *cron.Cron
	pollEvery    time.Duration
	stopCh       chan struct{}
	logger       *logrus.Logger

	caches   []Flusher
	sweeper  Triggerable
	archiver Triggerable
}

func New(cfg *config.Config, orchestrator Orchestrator, store CommandStore, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		cron:         cron.New(),
		pollEvery:    commandPollInterval,
		stopCh:       make(chan struct{}),
		logger:       logger,
	}
}

// SetWorkers registers background workers for manual triggering. Either
// may be nil.
func (s *Scheduler) SetWorkers(sweeper, archiver Triggerable) {
	s.sweeper = sweeper
	s.archiver = archiver
}

// SetCaches registers the caches a flush_cache command empties.
func (s *Scheduler) SetCaches(caches ...Flusher) {
	s.caches = append(s.caches, caches...)
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)

	if s.cfg.Scheduler.RefreshCron == "" {
		s.logger.Info("No refresh schedule configured, daemon will only respond to requests and commands")
		return nil
	}
	if len(s.cfg.WarmQueries) == 0 {
		s.logger.Warn("Refresh schedule configured but no warm queries declared")
		return nil
	}

	s.logger.WithField("cron", s.cfg.Scheduler.RefreshCron).Info("Starting warm query refresh")
	_, err := s.cron.AddFunc(s.cfg.Scheduler.RefreshCron, func() {
		s.RefreshWarmQueries(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	close(s.stopCh)
}

// RefreshWarmQueries starts a run for every warm query that has none in
// flight. It returns how many runs were created.
func (s *Scheduler) RefreshWarmQueries(ctx context.Context) int {
	created := 0
	for _, wq := range s.cfg.WarmQueries {
		log := s.logger.WithFields(logrus.Fields{"region": wq.Region, "category": wq.Category, "search": wq.SearchTerm})
		run, isNew, err := s.orchestrator.Refresh(ctx, wq.Region, wq.Category, wq.SearchTerm, wq.Pages)
		if err != nil {
			log.WithError(err).Error("Warm refresh failed")
			continue
		}
		if run == nil {
			log.Info("Warm refresh skipped, run creation paused")
			continue
		}
		if isNew {
			created++
			log.WithField("run_id", run.ID).Info("Warm refresh started run")
		}
	}
	return created
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessCommands handles every pending operator command once. A command
// is marked processed even when handling it fails.
func (s *Scheduler) ProcessCommands(ctx context.Context) int {
	cmds, err := s.store.GetPendingCommands(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Error getting commands")
		return 0
	}

	for i := range cmds {
		cmd := &cmds[i]
		log := s.logger.WithFields(logrus.Fields{"command": cmd.Command, "id": cmd.ID})
		log.Info("Processing command")
		if err := s.handleCommand(ctx, cmd); err != nil {
			log.WithError(err).Error("Command error")
		}
		if err := s.store.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			log.WithError(err).Error("Error marking command processed")
		}
	}
	return len(cmds)
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdFlushCache:
		for _, c := range s.caches {
			c.Flush(ctx)
		}
		s.logger.WithField("caches", len(s.caches)).Info("Caches flushed via command")
		return nil
	case models.CmdSweep:
		if s.sweeper == nil {
			return fmt.Errorf("no stalled page sweeper running")
		}
		s.sweeper.Trigger()
		return nil
	case models.CmdArchive:
		if s.archiver == nil {
			return fmt.Errorf("archiving is not configured")
		}
		s.archiver.Trigger()
		return nil
	default:
		return s.orchestrator.HandleCommand(ctx, cmd)
	}
}
