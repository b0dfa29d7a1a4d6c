package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// PGSecretStore persists encrypted secrets. Ciphertext is opaque here;
// encryption happens in the secrets resolver before Put.
type PGSecretStore struct {
	db *sql.DB
}

func NewPGSecretStore(db *sql.DB) *PGSecretStore {
	return &PGSecretStore{db: db}
}

func (s *PGSecretStore) Put(ctx context.Context, rec *store.SecretRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (id, name, ciphertext, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET ciphertext = EXCLUDED.ciphertext`,
		rec.ID, rec.Name, rec.Ciphertext, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *PGSecretStore) Get(ctx context.Context, name string) (*store.SecretRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, ciphertext, created_at, last_used_at FROM secrets WHERE name = $1`, name)
	var rec store.SecretRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.Ciphertext, &rec.CreatedAt, &rec.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return &rec, nil
}

func (s *PGSecretStore) Search(ctx context.Context, query string) ([]*store.SecretRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, ciphertext, created_at, last_used_at
		 FROM secrets WHERE name ILIKE '%' || $1 || '%' ORDER BY name`, query)
	if err != nil {
		return nil, fmt.Errorf("search secrets: %w", err)
	}
	defer rows.Close()

	var out []*store.SecretRecord
	for rows.Next() {
		var rec store.SecretRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Ciphertext, &rec.CreatedAt, &rec.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PGSecretStore) Touch(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE secrets SET last_used_at = $2 WHERE name = $1`, name, time.Now().UTC())
	return err
}

// PGSkillStore persists skill documents.
type PGSkillStore struct {
	db *sql.DB
}

func NewPGSkillStore(db *sql.DB) *PGSkillStore {
	return &PGSkillStore{db: db}
}

func (s *PGSkillStore) Put(ctx context.Context, rec *store.SkillRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (name, description, path, content, permanent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE SET
		   description = EXCLUDED.description,
		   path = EXCLUDED.path,
		   content = EXCLUDED.content,
		   permanent = EXCLUDED.permanent`,
		rec.Name, rec.Description, rec.Path, rec.Content, rec.Permanent, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put skill: %w", err)
	}
	return nil
}

func (s *PGSkillStore) Get(ctx context.Context, name string) (*store.SkillRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, description, path, content, permanent, created_at FROM skills WHERE name = $1`, name)
	var rec store.SkillRecord
	err := row.Scan(&rec.Name, &rec.Description, &rec.Path, &rec.Content, &rec.Permanent, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get skill: %w", err)
	}
	return &rec, nil
}

func (s *PGSkillStore) List(ctx context.Context) ([]*store.SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, path, content, permanent, created_at FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var out []*store.SkillRecord
	for rows.Next() {
		var rec store.SkillRecord
		if err := rows.Scan(&rec.Name, &rec.Description, &rec.Path, &rec.Content, &rec.Permanent, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PGSkillStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE name = $1`, name)
	return err
}
