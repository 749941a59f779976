// Package retention purges old audit records on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrMaxAge is returned when the job is built without a positive max age.
var ErrMaxAge = errors.New("retention max age must be positive")

// LogPurger clears the in-memory audit log.
type LogPurger interface {
	ClearLogs(before time.Time) int
}

// ArchivePurger deletes exported records.
type ArchivePurger interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Metrics receives the outcome of each run.
type Metrics interface {
	ObserveRetention(purged int, err error)
}

// Job removes audit records older than maxAge from the log and, when set,
// from the archive.
type Job struct {
	logs    LogPurger
	archive ArchivePurger
	metrics Metrics
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// New creates a Job.
func New(logs LogPurger, maxAge time.Duration) (*Job, error) {
	if maxAge <= 0 {
		return nil, ErrMaxAge
	}
	return &Job{
		logs:    logs,
		maxAge:  maxAge,
		timeout: time.Minute,
		now:     time.Now,
	}, nil
}

// SetArchive also purges the given archive on each run.
func (j *Job) SetArchive(a ArchivePurger) {
	j.archive = a
}

// SetMetrics sets the optional metrics sink.
func (j *Job) SetMetrics(m Metrics) {
	j.metrics = m
}

// SetClock overrides time.Now, for tests.
func (j *Job) SetClock(now func() time.Time) {
	j.now = now
}

// RunOnce purges everything created before now minus maxAge and returns the
// number of records removed. In-memory records are cleared even when the
// archive delete fails.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.maxAge)
	purged := j.logs.ClearLogs(cutoff)

	var err error
	if j.archive != nil {
		var n int64
		n, err = j.archive.DeleteBefore(ctx, cutoff)
		if err != nil {
			err = fmt.Errorf("purging archived audit records: %w", err)
		}
		purged += int(n)
	}

	if j.metrics != nil {
		j.metrics.ObserveRetention(purged, err)
	}
	return purged, err
}

// Schedule returns a cron runner that calls RunOnce on spec. The caller
// starts and stops it.
func (j *Job) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()

		n, err := j.RunOnce(ctx)
		if err != nil {
			slog.Error("audit retention failed", "error", err, "purged", n)
			return
		}
		slog.Info("audit retention completed", "purged", n, "max_age", j.maxAge.String())
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return c, nil
}

// ValidateSchedule reports whether spec is a schedule Schedule accepts.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return nil
}
