package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/spaceai-toolgate/internal/evidence"
)

// EvidenceStore реализует evidence.Store: тело связки неизменяемо,
// записи custody только дописываются отдельными строками.
type EvidenceStore struct {
	repo *Repo
}

func (r *Repo) Evidence() *EvidenceStore { return &EvidenceStore{repo: r} }

func (s *EvidenceStore) Put(ctx context.Context, b evidence.Binding) error {
	custody := b.Custody
	b.Custody = nil
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("postgres: marshal binding: %w", err)
	}

	tx, err := s.repo.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO evidence_bindings (id, type, tenant_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`, b.ID, string(b.Type), b.Metadata["tenant_id"], body, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert binding: %w", err)
	}
	for _, rec := range custody {
		if err := insertCustody(ctx, tx, b.ID, rec); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *EvidenceStore) AppendCustody(ctx context.Context, bindingID string, rec evidence.CustodyRecord) error {
	return insertCustody(ctx, s.repo.pool, bindingID, rec)
}

// dbExec: общее для пула и транзакции.
type dbExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertCustody(ctx context.Context, db dbExec, bindingID string, rec evidence.CustodyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: marshal custody: %w", err)
	}
	tag, err := db.Exec(ctx, `INSERT INTO evidence_custody (binding_id, record)
		SELECT id, $2 FROM evidence_bindings WHERE id = $1`, bindingID, raw)
	if err != nil {
		return fmt.Errorf("postgres: append custody: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", evidence.ErrBindingNotFound, bindingID)
	}
	return nil
}

func (s *EvidenceStore) Get(ctx context.Context, id string) (evidence.Binding, error) {
	var b evidence.Binding
	var body []byte
	err := s.repo.pool.QueryRow(ctx, `SELECT body FROM evidence_bindings WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, fmt.Errorf("%w: %s", evidence.ErrBindingNotFound, id)
	}
	if err != nil {
		return b, fmt.Errorf("postgres: load binding: %w", err)
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return b, fmt.Errorf("postgres: decode binding: %w", err)
	}

	rows, err := s.repo.pool.Query(ctx, `SELECT record FROM evidence_custody WHERE binding_id = $1 ORDER BY seq`, id)
	if err != nil {
		return b, fmt.Errorf("postgres: load custody: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return b, fmt.Errorf("postgres: scan custody: %w", err)
		}
		var rec evidence.CustodyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return b, fmt.Errorf("postgres: decode custody: %w", err)
		}
		b.Custody = append(b.Custody, rec)
	}
	if err := rows.Err(); err != nil {
		return b, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return b, nil
}
