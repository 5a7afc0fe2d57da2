package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/armorclaw/errorhub/pkg/config"
	"github.com/armorclaw/errorhub/pkg/domain"
	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
)

const (
	jobStats  = "stats"
	jobOutbox = "outbox"

	limiterIdle     = 10 * time.Minute
	badgerGCDiscard = 0.5
	jobTimeout      = time.Minute
)

var (
	backlogErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "errorhub_backlog_errors",
		Help: "Error payloads stored in the backlog",
	})
	backlogApplications = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "errorhub_backlog_applications",
		Help: "Applications with at least one stored error",
	})
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "errorhub_job_runs_total",
		Help: "Scheduled job runs by job and result",
	}, []string{"job", "result"})
)

func registerJobMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{backlogErrors, backlogApplications, jobRuns} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// scheduleJobs registers the periodic maintenance jobs. An empty schedule
// disables a job.
func (a *App) scheduleJobs() error {
	a.cron = cron.New()

	if schedule := a.cfg.Jobs.StatsSchedule; schedule != "" {
		if _, err := a.cron.AddFunc(schedule, func() { a.runJob(jobStats, a.refreshStats) }); err != nil {
			return invalidSchedule("jobs.stats_schedule", schedule, err)
		}
	}
	if schedule := a.cfg.Jobs.OutboxSchedule; schedule != "" && a.outbox != nil {
		if _, err := a.cron.AddFunc(schedule, func() { a.runJob(jobOutbox, a.maintainOutbox) }); err != nil {
			return invalidSchedule("jobs.outbox_schedule", schedule, err)
		}
	}
	return nil
}

func invalidSchedule(field, schedule string, err error) error {
	return herrors.ErrInvalidConfig(field, fmt.Sprintf("invalid schedule %q: %v", schedule, err))
}

func (a *App) runJob(name string, job func(ctx context.Context) ([]slog.Attr, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	attrs, err := job(ctx)
	attrs = append(attrs, slog.String("job", name), slog.Duration("duration", time.Since(start)))
	if err != nil {
		jobRuns.WithLabelValues(name, "failure").Inc()
		a.events.LogFailure(logger.JobFailed, err, attrs...)
		return
	}
	jobRuns.WithLabelValues(name, "success").Inc()
	a.events.LogEvent(logger.JobCompleted, attrs...)
}

// refreshStats updates the backlog gauges, forgets idle submission sources
// and reclaims badger value log space.
func (a *App) refreshStats(ctx context.Context) ([]slog.Attr, error) {
	stats, err := a.backlog.Stats(ctx)
	if err != nil {
		return nil, err
	}
	backlogErrors.Set(float64(stats.Errors))
	backlogApplications.Set(float64(stats.Applications))

	swept := a.http.SweepLimiters(limiterIdle)
	membership := a.holder.Stats()

	attrs := []slog.Attr{
		slog.Int64("errors", stats.Errors),
		slog.Int("applications", stats.Applications),
		slog.Int64("last_sequence", stats.LastSequence),
		slog.Int("clusters", membership.Clusters),
		slog.Int("users", membership.Users),
		slog.Int("viewers", a.hub.Len()),
		slog.Int("limiters_swept", swept),
	}

	if bs, ok := a.store.(*domain.BadgerStore); ok {
		if err := bs.RunGC(badgerGCDiscard); err != nil {
			return attrs, err
		}
	}
	return attrs, nil
}

// maintainOutbox drops delivered frames past retention and reports, or
// requeues, dead letters.
func (a *App) maintainOutbox(ctx context.Context) ([]slog.Attr, error) {
	retention := config.Duration(a.cfg.Jobs.AckedRetention, 24*time.Hour)
	removed, err := a.outbox.CleanupAcked(ctx, time.Now().Add(-retention))
	if err != nil {
		return nil, err
	}

	dead, err := a.outbox.DeadLetters(ctx, 100)
	if err != nil {
		return nil, err
	}
	for _, msg := range dead {
		a.log.Warn("dead-lettered federation frame",
			"id", msg.ID,
			"kind", msg.Kind,
			"attempts", msg.Attempts,
			"last_error", msg.LastError)
	}

	attrs := []slog.Attr{
		slog.Int("acked_removed", removed),
		slog.Int("dead_letters", len(dead)),
	}
	if a.cfg.Jobs.RetryDeadLetters && len(dead) > 0 {
		requeued, err := a.outbox.RetryDeadLetters(ctx)
		if err != nil {
			return attrs, err
		}
		attrs = append(attrs, slog.Int("dead_requeued", requeued))
	}
	return attrs, nil
}
