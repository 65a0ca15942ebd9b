package pg

import (
	"context"
	"database/sql"
	"errors"

	"brightdesk.io/crm/internal/vault"
)

const secretColumns = `id, kind, owner_id, label, username, hint, encrypted_value, iv, created_by, created_at`

func scanSecret(row rowScanner) (vault.Secret, error) {
	var (
		sec      vault.Secret
		kind     string
		username sql.NullString
		hint     sql.NullString
	)
	err := row.Scan(&sec.ID, &kind, &sec.OwnerID, &sec.Label, &username, &hint,
		&sec.EncryptedValue, &sec.IV, &sec.CreatedBy, &sec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Secret{}, vault.ErrNotFound
	}
	if err != nil {
		return vault.Secret{}, err
	}
	sec.Kind = vault.Kind(kind)
	sec.Username, sec.Hint = username.String, hint.String
	return sec, nil
}

func (s *Store) CreateSecret(ctx context.Context, sec *vault.Secret) error {
	_, err := s.db.ExecContext(ctx, `
		insert into secrets(`+secretColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sec.ID, string(sec.Kind), sec.OwnerID, sec.Label, nullIfEmpty(sec.Username), nullIfEmpty(sec.Hint),
		sec.EncryptedValue, sec.IV, sec.CreatedBy, sec.CreatedAt)
	return mapWriteError(err, vault.ErrInvalidInput, vault.ErrNotFound)
}

func (s *Store) SecretByID(ctx context.Context, id string) (vault.Secret, error) {
	return scanSecret(s.db.QueryRowContext(ctx, `select `+secretColumns+` from secrets where id=$1`, id))
}

func (s *Store) ListSecrets(ctx context.Context, ownerID string) ([]vault.Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+secretColumns+` from secrets where owner_id=$1 order by created_at, id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vault.Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}
