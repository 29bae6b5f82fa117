package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/periodic"
)

// Purgeable is implemented by *Repository.
type Purgeable interface {
	PurgePublished(ctx context.Context, cutoff time.Time, chunk int) (int64, error)
}

type PurgerConfig struct {
	Every     time.Duration
	Retention time.Duration
	ChunkSize int
}

// Purger deletes published records once they are older than the retention window.
type Purger struct {
	store  Purgeable
	logger *slog.Logger
	cfg    PurgerConfig
	now    func() time.Time
}

func NewPurger(store Purgeable, logger *slog.Logger, cfg PurgerConfig) *Purger {
	if cfg.Every <= 0 {
		cfg.Every = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	return &Purger{store: store, logger: logger.With("component", "outbox_purger"), cfg: cfg, now: time.Now}
}

func (p *Purger) Purge(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.cfg.Retention)
	n, err := p.store.PurgePublished(ctx, cutoff, p.cfg.ChunkSize)
	if err != nil {
		return n, err
	}
	if n > 0 {
		p.logger.Info("purged published outbox records", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

func (p *Purger) Task() *periodic.Task {
	return periodic.New("outbox-purger", p.cfg.Every, func(ctx context.Context) error {
		_, err := p.Purge(ctx)
		return err
	}, p.logger)
}
