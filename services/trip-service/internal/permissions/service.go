package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
)

type Mutator interface {
	Grant(ctx context.Context, tx pgx.Tx, k Key, grantedBy string) (bool, error)
	Revoke(ctx context.Context, tx pgx.Tx, k Key) (bool, error)
	RevokeAll(ctx context.Context, tx pgx.Tx, resource string) ([]Key, error)
}

type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, evt outbox.Event) (outbox.Record, error)
}

type Service struct {
	db     db.Beginner
	store  Mutator
	outbox Appender
	cache  Cache
	logger *slog.Logger
}

func NewService(b db.Beginner, store Mutator, appender Appender, cache Cache, logger *slog.Logger) *Service {
	return &Service{db: b, store: store, outbox: appender, cache: cache, logger: logger}
}

func (s *Service) Grant(ctx context.Context, k Key, actor string) (bool, error) {
	return s.change(ctx, k, true, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		return s.store.Grant(ctx, tx, k, actor)
	})
}

func (s *Service) Revoke(ctx context.Context, k Key) (bool, error) {
	return s.change(ctx, k, false, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		return s.store.Revoke(ctx, tx, k)
	})
}

// RevokeAll clears a trip's permissions, for example when the trip is deleted.
func (s *Service) RevokeAll(ctx context.Context, resource string) (int, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return 0, fmt.Errorf("%w: resource is required", ErrInvalidPermission)
	}
	var removed []Key
	err := db.WithTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		if removed, err = s.store.RevokeAll(ctx, tx, resource); err != nil {
			return err
		}
		for _, k := range removed {
			if err := s.appendChange(ctx, tx, k, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.cache.InvalidateResource(ctx, resource); err != nil {
		s.logger.ErrorContext(ctx, "permissions revoked but cache invalidation failed", "err", err, "resource", resource)
		return len(removed), fmt.Errorf("invalidate cached permissions: %w", err)
	}
	return len(removed), nil
}

func (s *Service) appendChange(ctx context.Context, tx pgx.Tx, k Key, granted bool) error {
	evt, err := outbox.NewEvent(EventPermissionChanged, k.Resource, Changed{
		ResourceID:  k.Resource,
		PrincipalID: k.Principal,
		Action:      k.Action,
		Granted:     granted,
	})
	if err != nil {
		return err
	}
	_, err = s.outbox.Append(ctx, tx, evt)
	return err
}

// change commits the mutation with its event, then drops the cached decision before
// returning, so the caller's next check already sees the new state. The cache entry is
// dropped even when nothing changed, which makes retrying a failed call safe.
func (s *Service) change(ctx context.Context, k Key, granted bool, mutate func(context.Context, pgx.Tx) (bool, error)) (bool, error) {
	k.Resource = strings.TrimSpace(k.Resource)
	k.Principal = strings.TrimSpace(k.Principal)
	if err := k.Validate(); err != nil {
		return false, err
	}

	var changed bool
	err := db.WithTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		if changed, err = mutate(ctx, tx); err != nil || !changed {
			return err
		}
		return s.appendChange(ctx, tx, k, granted)
	})
	if err != nil {
		return false, err
	}

	if err := s.cache.Invalidate(ctx, k); err != nil {
		s.logger.ErrorContext(ctx, "permission changed but cache invalidation failed",
			"err", err, "resource", k.Resource, "principal", k.Principal, "action", k.Action)
		return changed, fmt.Errorf("invalidate cached permission: %w", err)
	}
	return changed, nil
}
