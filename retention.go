package auth

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs the blacklist cleanup daily at 03:05 UTC.
const DefaultRetentionSchedule = "5 3 * * *"

// RetentionJob removes blacklist entries whose access token has expired.
// Refresh tokens are never deleted, the rotation chain is kept for audit.
type RetentionJob struct {
	blacklist Blacklist
	activity  ActivitySink
	logger    Logger
	clock     Clock
	timeout   time.Duration
}

// NewRetentionJob creates a job pruning b.
func NewRetentionJob(b Blacklist, logger Logger, sink ActivitySink) *RetentionJob {
	if logger == nil {
		logger = defLogger
	}
	return &RetentionJob{
		blacklist: b,
		activity:  normalizeActivitySink(sink),
		logger:    logger,
		timeout:   time.Minute,
	}
}

// Run prunes once and returns the number of removed entries.
func (j *RetentionJob) Run(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	n, err := j.blacklist.PruneExpired(ctx)
	if err != nil {
		return 0, infrastructure(err, "failed to prune blacklist")
	}

	j.logger.Info("blacklist pruned", "removed", n)
	recordActivity(ctx, j.activity, j.logger, ActivityEvent{
		EventType:  ActivityEventBlacklistPruned,
		Actor:      systemActor,
		Metadata:   map[string]any{"removed": n},
		OccurredAt: j.clock.now(),
	})
	return n, nil
}

// Schedule registers the job on a new UTC cron. The caller starts and
// stops the returned scheduler.
func (j *RetentionJob) Schedule(spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultRetentionSchedule
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(spec, func() {
		if _, err := j.Run(context.Background()); err != nil {
			j.logger.Error("scheduled blacklist cleanup failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
