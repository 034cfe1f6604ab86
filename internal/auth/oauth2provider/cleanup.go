package oauth2provider

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/grove/internal/observability/metrics"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	cleanupJobName = "oauth2_cleanup"
	cleanupLockName = "oauth2_cleanup"
)

type CleanupResult struct {
	AuthorizationCodes int64
	DeviceCodes        int64
	RefreshTokens      int64
}

// Cleanup deletes expired authorization codes, device codes and refresh
// tokens. Running it twice is harmless.
func (s *Service) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := s.clock.Now()
	var (
		result CleanupResult
		errs   []error
		err    error
	)

	if result.AuthorizationCodes, err = s.store.DeleteExpiredAuthorizationCodes(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if result.DeviceCodes, err = s.store.DeleteExpiredDeviceCodes(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if result.RefreshTokens, err = s.store.DeleteExpiredRefreshTokens(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return result, errors.Join(errs...)
}

// CleanupRunner runs Service.Cleanup on an interval. With redis configured
// only one instance runs each tick.
type CleanupRunner struct {
	svc      *Service
	locker   *ratelimit.Locker
	jobs     *metrics.JobMetrics
	interval time.Duration
	log      *zap.Logger
}

func NewCleanupRunner(cfg Config, svc *Service, locker *ratelimit.Locker, jobs *metrics.JobMetrics, log *zap.Logger) *CleanupRunner {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CleanupRunner{
		svc:      svc,
		locker:   locker,
		jobs:     jobs,
		interval: interval,
		log:      log.Named("auth.oauth2.cleanup"),
	}
}

func (r *CleanupRunner) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("cleanup run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *CleanupRunner) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, r.interval)
	defer cancel()

	err := r.locker.WithLock(ctx, cleanupLockName, r.interval, r.sweep)
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		r.jobs.IncJobSkipped(cleanupJobName)
		return nil
	case err != nil:
		r.jobs.IncJobError(cleanupJobName, err)
		return err
	}
	return nil
}

func (r *CleanupRunner) sweep(ctx context.Context) error {
	start := time.Now()
	r.jobs.IncJobRun(cleanupJobName)
	result, err := r.svc.Cleanup(ctx)
	r.jobs.ObserveJobDuration(cleanupJobName, time.Since(start))
	r.jobs.AddDeleted("authorization_code", result.AuthorizationCodes)
	r.jobs.AddDeleted("device_code", result.DeviceCodes)
	r.jobs.AddDeleted("refresh_token", result.RefreshTokens)
	if err != nil {
		return err
	}

	r.log.Debug("cleanup finished",
		zap.Int64("authorization_codes", result.AuthorizationCodes),
		zap.Int64("device_codes", result.DeviceCodes),
		zap.Int64("refresh_tokens", result.RefreshTokens),
	)
	return nil
}
