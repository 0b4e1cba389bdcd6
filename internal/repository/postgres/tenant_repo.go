package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ListTenantIDs: активные тенанты для детектора утечек.
func (r *Repo) ListTenantIDs(ctx context.Context) ([]string, error) {
	return r.listStrings(ctx, `SELECT id FROM tenants WHERE status = 'active' ORDER BY id`)
}

// ListDisabled: цели kill switch (tool/<name>, tenant/<id>).
func (r *Repo) ListDisabled(ctx context.Context) ([]string, error) {
	return r.listStrings(ctx, `SELECT target FROM kill_switches ORDER BY target`)
}

// SetDisabled сохраняет или снимает блокировку цели.
func (r *Repo) SetDisabled(ctx context.Context, target string, disabled bool, reason string) error {
	var err error
	if disabled {
		_, err = r.pool.Exec(ctx, `INSERT INTO kill_switches (target, reason) VALUES ($1, $2)
			ON CONFLICT (target) DO UPDATE SET reason = EXCLUDED.reason`, target, reason)
	} else {
		_, err = r.pool.Exec(ctx, `DELETE FROM kill_switches WHERE target = $1`, target)
	}
	if err != nil {
		return fmt.Errorf("postgres: set kill switch %s: %w", target, err)
	}
	return nil
}

func (r *Repo) listStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect: %w", err)
	}
	return out, nil
}
