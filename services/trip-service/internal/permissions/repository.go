package permissions

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
)

// Repository is the authoritative permission store.
type Repository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

func (r *Repository) Allowed(ctx context.Context, k Key) (bool, error) {
	var allowed bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trip_permissions
			WHERE resource_id = $1 AND principal_id = $2 AND action = $3
		)
	`, k.Resource, k.Principal, string(k.Action)).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("load permission %s: %w", k, err)
	}
	return allowed, nil
}

// Grant reports whether a new row was written.
func (r *Repository) Grant(ctx context.Context, tx pgx.Tx, k Key, grantedBy string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO trip_permissions (resource_id, principal_id, action, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_id, principal_id, action) DO NOTHING
	`, k.Resource, k.Principal, string(k.Action), grantedBy)
	if err != nil {
		return false, fmt.Errorf("grant %s: %w", k, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Revoke reports whether a row was removed.
func (r *Repository) Revoke(ctx context.Context, tx pgx.Tx, k Key) (bool, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM trip_permissions
		WHERE resource_id = $1 AND principal_id = $2 AND action = $3
	`, k.Resource, k.Principal, string(k.Action))
	if err != nil {
		return false, fmt.Errorf("revoke %s: %w", k, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAll removes every permission on resource and returns what was removed.
func (r *Repository) RevokeAll(ctx context.Context, tx pgx.Tx, resource string) ([]Key, error) {
	rows, err := tx.Query(ctx, `
		DELETE FROM trip_permissions
		WHERE resource_id = $1
		RETURNING principal_id, action
	`, resource)
	if err != nil {
		return nil, fmt.Errorf("revoke all on %s: %w", resource, err)
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		k := Key{Resource: resource}
		var action string
		if err := rows.Scan(&k.Principal, &action); err != nil {
			return nil, err
		}
		k.Action = Action(action)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
