package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// HousekeepingReport counts what one housekeeping pass removed.
type HousekeepingReport struct {
	StaleLogins    int64
	DeletedLogins  int64
	PurgedSessions int64
}

// Housekeeper periodically expires login requests and drops long-expired
// refresh sessions.
type Housekeeper struct {
	svc          *Service
	interval     time.Duration
	sessionGrace time.Duration
	logger       *zap.Logger
}

// NewHousekeeper keeps expired sessions for sessionGrace after expiry so that
// a replay shortly after expiry still reports as expired rather than unknown.
func NewHousekeeper(svc *Service, interval, sessionGrace time.Duration, logger *zap.Logger) *Housekeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Housekeeper{svc: svc, interval: interval, sessionGrace: sessionGrace, logger: logger}
}

// RunOnce performs a single pass.
func (h *Housekeeper) RunOnce(ctx context.Context) (HousekeepingReport, error) {
	var rep HousekeepingReport
	var errs []error
	stale, deleted, err := h.svc.ExpireStaleLogins(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.StaleLogins, rep.DeletedLogins = stale, deleted
	purged, err := h.svc.PurgeExpiredSessions(ctx, h.sessionGrace)
	if err != nil {
		errs = append(errs, err)
	}
	rep.PurgedSessions = purged
	return rep, errors.Join(errs...)
}

// Run repeats RunOnce every interval until ctx is done.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		rep, err := h.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			h.logger.Error("housekeeping.failed", zap.Error(err))
		case rep.PurgedSessions > 0:
			h.logger.Info("housekeeping.sessions_purged", zap.Int64("count", rep.PurgedSessions))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
