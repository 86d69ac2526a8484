package matching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// PassResult summarizes one scheduler pass
type PassResult struct {
	Dispatched int
	Cancelled  int
	Expired    int
}

// RunScheduler runs scheduler passes every SchedulerTick until ctx is done
func (s *Service) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.config.SchedulerTick)
	defer ticker.Stop()

	s.logger.Info("Dispatch scheduler started",
		logger.Duration("tick", s.config.SchedulerTick),
		logger.Duration("schedule_lead", s.config.ScheduleLead),
		logger.Duration("search_timeout", s.config.SearchTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Dispatch scheduler stopped")
			return
		case <-ticker.C:
			res := s.Pass(ctx)
			if res.Dispatched+res.Cancelled+res.Expired > 0 {
				s.logger.Info("Scheduler pass",
					logger.Int("dispatched", res.Dispatched),
					logger.Int("cancelled", res.Cancelled),
					logger.Int("expired", res.Expired),
				)
			}
		}
	}
}

// Pass makes one sweep over open rides:
//   - searching rides never dispatched are dispatched once their lead time is reached
//   - searching rides past the search timeout are cancelled by the system
//   - offer rounds whose timer was lost (for example across a restart) are expired
func (s *Service) Pass(ctx context.Context) PassResult {
	var res PassResult
	now := s.now()

	searching, err := s.rides.ListByStatus(ctx, ride.StatusSearching, 0)
	if err != nil {
		s.logger.Error("Scheduler could not list searching rides", logger.Err(err))
		return res
	}

	for _, r := range searching {
		due := r.DueAt()
		switch {
		case now.Sub(due) > s.config.SearchTimeout:
			if _, err := s.rides.Cancel(ctx, r.ID, ride.SystemActor, ReasonSearchTimeout); err != nil {
				if !errors.Is(err, ride.ErrInvalidTransition) {
					s.logger.Warn("Failed to cancel timed out ride", logger.Stringer("ride_id", r.ID), logger.Err(err))
				}
				continue
			}
			s.stopTimer(r.ID)
			res.Cancelled++
		case r.DispatchedAt == nil && !due.After(now.Add(s.config.ScheduleLead)):
			if _, err := s.Dispatch(ctx, r.ID); err != nil {
				if !errors.Is(err, ride.ErrInvalidTransition) {
					s.logger.Warn("Scheduled dispatch failed", logger.Stringer("ride_id", r.ID), logger.Err(err))
				}
				continue
			}
			res.Dispatched++
		}
	}

	assigned, err := s.rides.ListByStatus(ctx, ride.StatusDriverAssigned, 0)
	if err != nil {
		s.logger.Error("Scheduler could not list offered rides", logger.Err(err))
		return res
	}
	for _, r := range assigned {
		if r.AssignedAt == nil || now.Sub(*r.AssignedAt) <= 2*s.config.OfferTimeout || s.hasTimer(r.ID) {
			continue
		}
		s.expire(r.ID, r.OfferRound)
		res.Expired++
	}
	return res
}

func (s *Service) hasTimer(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}
