package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres stores creds as JSONB and keys as BYTEA rows.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Backend over db. The schema comes from the
// database migrations.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) LoadCreds(ctx context.Context, tenantID string) (*Creds, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT creds FROM wa_credentials WHERE tenant_id = $1`, tenantID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c Creds
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode creds: %w", err)
	}
	return &c, nil
}

func (p *Postgres) SaveCreds(ctx context.Context, tenantID string, creds *Creds) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO wa_credentials (tenant_id, creds)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE
		SET creds = EXCLUDED.creds, updated_at = NOW()`,
		tenantID, raw,
	)
	return err
}

func (p *Postgres) GetKeys(ctx context.Context, tenantID, keyType string, ids []string) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key_id, value FROM wa_credential_keys
		WHERE tenant_id = $1 AND key_type = $2 AND key_id = ANY($3)`,
		tenantID, keyType, pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte, len(ids))
	for rows.Next() {
		var id string
		var value []byte
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, rows.Err()
}

func (p *Postgres) SetKeys(ctx context.Context, tenantID string, updates KeyUpdates) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for keyType, byID := range updates {
		for id, value := range byID {
			if value == nil {
				_, err = tx.ExecContext(ctx, `
					DELETE FROM wa_credential_keys
					WHERE tenant_id = $1 AND key_type = $2 AND key_id = $3`,
					tenantID, keyType, id,
				)
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO wa_credential_keys (tenant_id, key_type, key_id, value)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT (tenant_id, key_type, key_id) DO UPDATE
					SET value = EXCLUDED.value, updated_at = NOW()`,
					tenantID, keyType, id, value,
				)
			}
			if err != nil {
				return fmt.Errorf("%s/%s: %w", keyType, id, err)
			}
		}
	}
	return tx.Commit()
}

func (p *Postgres) Delete(ctx context.Context, tenantID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM wa_credential_keys WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wa_credentials WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	return tx.Commit()
}
