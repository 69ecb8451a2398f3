// Package retention runs the periodic housekeeping sweep: terminal
// investigations older than the archive window are soft-archived and
// expired event logs are dropped from the in-memory hub.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/inquest/internal/progress"
	"github.com/swarmguard/inquest/internal/store"
)

// Sweeper archives old terminal investigations on a cron schedule.
type Sweeper struct {
	cron           *cron.Cron
	store          *store.Store
	hub            *progress.Hub
	archiveAfter   time.Duration
	eventRetention time.Duration
	log            *slog.Logger

	sweeps   metric.Int64Counter
	archived metric.Int64Counter
}

func NewSweeper(st *store.Store, hub *progress.Hub, archiveAfter, eventRetention time.Duration, log *slog.Logger) *Sweeper {
	meter := otel.Meter("inquest")
	sweeps, _ := meter.Int64Counter("swarm_investigation_sweeps_total")
	archived, _ := meter.Int64Counter("swarm_investigation_archived_total")

	return &Sweeper{
		// Seconds precision matches the "0 */5 * * * *" default schedule.
		cron:           cron.New(cron.WithSeconds()),
		store:          st,
		hub:            hub,
		archiveAfter:   archiveAfter,
		eventRetention: eventRetention,
		log:            log,
		sweeps:         sweeps,
		archived:       archived,
	}
}

// Start registers the sweep under cronExpr and begins the schedule.
func (s *Sweeper) Start(cronExpr string) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.log.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", cronExpr, err)
	}
	s.cron.Start()
	s.log.Info("retention sweeper started", "cron", cronExpr)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep performs one pass. Archiving failures on individual records are
// logged and skipped so one bad record never stalls the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	s.sweeps.Add(ctx, 1)

	invs, err := s.store.ListInvestigations(ctx, false, 0)
	if err != nil {
		return fmt.Errorf("list investigations: %w", err)
	}

	cutoff := time.Now().Add(-s.archiveAfter)
	archived := 0
	for _, inv := range invs {
		if !inv.Status.Terminal() || inv.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.Archive(ctx, inv.ID); err != nil {
			s.log.Warn("archive failed", "investigation_id", inv.ID, "error", err)
			continue
		}
		archived++
	}
	if archived > 0 {
		s.archived.Add(ctx, int64(archived))
	}

	expired := s.hub.Expire(s.eventRetention)
	s.log.Debug("retention sweep done", "archived", archived, "expired_logs", expired)
	return nil
}
