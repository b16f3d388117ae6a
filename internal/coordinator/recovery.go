package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RecoveryReport summarises one recovery or sweep pass.
type RecoveryReport struct {
	Scanned     int `json:"scanned"`
	Committed   int `json:"committed"`
	Aborted     int `json:"aborted"`
	InDoubt     int `json:"in_doubt"`
	Republished int `json:"republished"`
	Purged      int `json:"purged"`
}

// Recover drives every in-flight transfer left by a previous process to a
// terminal state. Transfers started by this process are left alone.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	recs, err := c.log.InFlight(ctx)
	if err != nil {
		return report, fmt.Errorf("list in-flight transfers: %w", err)
	}
	for _, rec := range recs {
		if !rec.CreatedAt.Before(c.started) {
			continue
		}
		report.Scanned++
		c.resolve(ctx, rec, ReasonShardUnavailable, &report)
	}
	c.logger.Info("recovery finished",
		"scanned", report.Scanned, "committed", report.Committed, "aborted", report.Aborted, "in_doubt", report.InDoubt)
	return report, nil
}

// resolve drives one in-flight record. Undecided transfers are presumed
// aborted unless a single-shard transfer already reached its ledger.
func (c *Coordinator) resolve(ctx context.Context, rec Record, reason string, report *RecoveryReport) {
	logger := c.logger.With("transfer_id", rec.TransferID, "phase", string(rec.Phase))
	local := len(rec.Participants) == 1

	var (
		res Result
		err error
	)
	switch rec.Phase {
	case PhasePreparing, PhasePrepared:
		if local {
			applied, verr := c.fenceLocal(ctx, rec)
			if verr != nil {
				logger.Warn("cannot verify local transfer, retrying later", "error", verr)
				report.InDoubt++
				return
			}
			if applied {
				res, err = c.markCommitted(ctx, rec, rec.Phase)
				break
			}
		}
		res, err = c.abort(ctx, rec, rec.Phase, reason, !local)
	case PhaseCommitting:
		if local {
			res, err = c.markCommitted(ctx, rec, PhaseCommitting)
		} else {
			res, err = c.commit(ctx, rec, PhaseCommitting)
		}
	case PhaseAborting:
		res, err = c.abort(ctx, rec, PhaseAborting, rec.Reason, !local)
	default:
		return
	}

	var inDoubt *InDoubtError
	switch {
	case errors.As(err, &inDoubt):
		report.InDoubt++
	case err != nil:
		logger.Warn("recovery step failed", "error", err)
		report.InDoubt++
	case res.Status == StatusCommitted:
		report.Committed++
	default:
		report.Aborted++
	}
}

// SweeperConfig tunes the background sweep.
type SweeperConfig struct {
	Interval time.Duration
	// StuckAfter is how long a COMMITTING or ABORTING transfer may sit
	// before it is re-driven.
	StuckAfter time.Duration
	// Retention keeps terminal records for replay detection.
	Retention time.Duration
	// RepublishAfter is how long an unacknowledged event is given before
	// it is sent again.
	RepublishAfter time.Duration
	BatchSize      int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.RepublishAfter <= 0 {
		c.RepublishAfter = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Sweeper periodically expires overdue transfers, re-drives stuck ones,
// republishes unacknowledged events and purges old records.
type Sweeper struct {
	coord  *Coordinator
	cfg    SweeperConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(coord *Coordinator, cfg SweeperConfig) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		coord:  coord,
		cfg:    cfg.withDefaults(),
		logger: coord.logger.With("component", "sweeper"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the sweep loop and waits for an in-progress pass to finish.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (RecoveryReport, error) {
	c := s.coord
	now := c.now()
	var report RecoveryReport

	recs, err := c.log.InFlight(ctx)
	if err != nil {
		return report, fmt.Errorf("list in-flight transfers: %w", err)
	}
	for _, rec := range recs {
		switch rec.Phase {
		case PhasePreparing, PhasePrepared:
			if now.Before(rec.Deadline) {
				continue
			}
			s.logger.Warn("transfer exceeded deadline", "transfer_id", rec.TransferID, "phase", string(rec.Phase))
			report.Scanned++
			c.resolve(ctx, rec, ReasonPrepareTimeout, &report)
		case PhaseCommitting, PhaseAborting:
			if now.Sub(rec.UpdatedAt) < s.cfg.StuckAfter {
				continue
			}
			report.Scanned++
			c.resolve(ctx, rec, rec.Reason, &report)
		}
	}

	pending, err := c.log.Unpublished(ctx, now.Add(-s.cfg.RepublishAfter), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list unpublished transfers: %w", err)
	}
	for _, rec := range pending {
		c.publish(ctx, rec)
		report.Republished++
	}

	purged, err := c.log.Purge(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return report, fmt.Errorf("purge coordinator log: %w", err)
	}
	report.Purged = int(purged)

	if report.Scanned > 0 || report.Republished > 0 || report.Purged > 0 {
		s.logger.Info("sweep finished",
			"scanned", report.Scanned, "committed", report.Committed, "aborted", report.Aborted,
			"in_doubt", report.InDoubt, "republished", report.Republished, "purged", report.Purged)
	}
	return report, nil
}
