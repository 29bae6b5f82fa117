package scores

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/periodic"
)

type ReconcileStore interface {
	Drifts(ctx context.Context) ([]Drift, error)
	Overwrite(ctx context.Context, postID string) (Counts, error)
	MarkReconciled(ctx context.Context, checkedAt time.Time) (int64, error)
}

// Locker takes a cluster-wide lock so a single instance reconciles at a time.
type Locker func(ctx context.Context) (release func(), locked bool, err error)

type ReconcilerConfig struct {
	Interval time.Duration
	// DriftTolerance is the score difference still logged at info level. Every drift is
	// corrected regardless.
	DriftTolerance int64
}

type Report struct {
	Skipped   bool    `json:"skipped"`
	Corrected []Drift `json:"corrected"`
}

// Reconciler overwrites drifted aggregates with a recount of the authoritative votes.
type Reconciler struct {
	store  ReconcileStore
	lock   Locker
	logger *slog.Logger
	cfg    ReconcilerConfig
	now    func() time.Time
}

func NewReconciler(store ReconcileStore, lock Locker, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.DriftTolerance < 0 {
		cfg.DriftTolerance = 0
	}
	return &Reconciler{
		store:  store,
		lock:   lock,
		logger: logger.With("component", "score_reconciler"),
		cfg:    cfg,
		now:    time.Now,
	}
}

func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	if r.lock != nil {
		release, locked, err := r.lock(ctx)
		if err != nil {
			return Report{}, err
		}
		if !locked {
			r.logger.Debug("reconcile skipped, lock held by another instance")
			return Report{Skipped: true}, nil
		}
		defer release()
	}

	checkedAt := r.now()
	drifts, err := r.store.Drifts(ctx)
	if err != nil {
		return Report{}, err
	}
	var report Report
	for _, d := range drifts {
		actual, err := r.store.Overwrite(ctx, d.PostID)
		if err != nil {
			return report, err
		}
		d.Actual = actual
		report.Corrected = append(report.Corrected, d)

		level := slog.LevelWarn
		if abs(d.ScoreDelta()) <= r.cfg.DriftTolerance {
			level = slog.LevelInfo
		}
		r.logger.Log(ctx, level, "score drift corrected",
			"post_id", d.PostID,
			"stored_up", d.Stored.Up, "stored_down", d.Stored.Down,
			"actual_up", actual.Up, "actual_down", actual.Down,
			"score_delta", d.ScoreDelta(),
		)
	}
	stamped, err := r.store.MarkReconciled(ctx, checkedAt)
	if err != nil {
		return report, err
	}
	r.logger.Debug("reconcile pass done", "corrected", len(report.Corrected), "stamped", stamped)
	return report, nil
}

// Task runs ReconcileOnce immediately on startup and then every interval.
func (r *Reconciler) Task() *periodic.Task {
	return periodic.New("score-reconciler", r.cfg.Interval, func(ctx context.Context) error {
		_, err := r.ReconcileOnce(ctx)
		return err
	}, r.logger, periodic.RunImmediately())
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
