package repo

import (
	"context"
	"database/sql"
	"fmt"

	"featuregate/internal/domain"
)

const providerColumns = `name, COALESCE(api_key,''), default_model, COALESCE(base_url,''), is_active, is_default, created_at, updated_at`

func (r Repo) scanProviderConfig(row rowScanner) (domain.ProviderConfig, error) {
	var p domain.ProviderConfig
	var sealed string
	if err := row.Scan(&p.Name, &sealed, &p.DefaultModel, &p.BaseURL, &p.IsActive, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, notFound(err)
	}
	key, err := r.Keys.Open(sealed)
	if err != nil {
		return p, fmt.Errorf("provider %s credential: %w", p.Name, err)
	}
	p.APIKey = key
	p.HasAPIKey = key != ""
	return p, nil
}

// UpsertProviderConfig inserts or updates a provider. An empty APIKey keeps
// the stored credential.
func (r Repo) UpsertProviderConfig(ctx context.Context, tx *sql.Tx, p domain.ProviderConfig) error {
	sealed, err := r.Keys.Seal(p.APIKey)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO provider_configs(name, api_key, default_model, base_url, is_active, is_default, created_at, updated_at)
VALUES (?,?,?,?,?,0,?,?)
ON CONFLICT(name) DO UPDATE SET
  api_key=COALESCE(excluded.api_key, provider_configs.api_key),
  default_model=excluded.default_model,
  base_url=excluded.base_url,
  is_active=excluded.is_active,
  updated_at=excluded.updated_at`,
		p.Name, nullable(sealed), p.DefaultModel, nullable(p.BaseURL), p.IsActive, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProviderConfig(ctx context.Context, name string) (domain.ProviderConfig, error) {
	return r.scanProviderConfig(r.DB.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM provider_configs WHERE name=?`, name))
}

// DefaultProviderConfig returns the active default provider.
func (r Repo) DefaultProviderConfig(ctx context.Context) (domain.ProviderConfig, error) {
	return r.scanProviderConfig(r.DB.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM provider_configs WHERE is_default=1 AND is_active=1 LIMIT 1`))
}

func (r Repo) ListProviderConfigs(ctx context.Context) ([]domain.ProviderConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+providerColumns+` FROM provider_configs ORDER BY is_default DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProviderConfig
	for rows.Next() {
		p, err := r.scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetDefaultProvider marks name as the single default provider.
func (r Repo) SetDefaultProvider(ctx context.Context, tx *sql.Tx, name, at string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE provider_configs SET is_default=0, updated_at=? WHERE is_default=1 AND name<>?`, at, name); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE provider_configs SET is_default=1, updated_at=? WHERE name=?`, at, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProviderActive(ctx context.Context, tx *sql.Tx, name string, active bool, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE provider_configs SET is_active=?, updated_at=? WHERE name=?`, active, at, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProviderConfig(ctx context.Context, tx *sql.Tx, name string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM provider_configs WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
