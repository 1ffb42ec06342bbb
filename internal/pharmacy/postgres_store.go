package pharmacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the registry in PostgreSQL. The selection pointer
// lives in a single-row table with a foreign key, so the invariant that it
// references an existing pharmacy is enforced by the schema; ON DELETE
// CASCADE clears it when the selected pharmacy is removed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createPharmacyTablesSQL = `
CREATE TABLE IF NOT EXISTS pharmacies (
    id  UUID PRIMARY KEY,
    seq BIGSERIAL,
    name TEXT NOT NULL,
    ethereum_address TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS pharmacy_selection (
    singleton BOOL PRIMARY KEY DEFAULT TRUE CHECK (singleton),
    pharmacy_id UUID NOT NULL REFERENCES pharmacies (id) ON DELETE CASCADE
);
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createPharmacyTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) List(ctx context.Context) ([]Pharmacy, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, name, ethereum_address, created_at FROM pharmacies ORDER BY seq
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pharmacy
	for rows.Next() {
		var ph Pharmacy
		if err := rows.Scan(&ph.ID, &ph.Name, &ph.EthereumAddress, &ph.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Create(ctx context.Context, ph *Pharmacy) error {
	if err := validate(ph); err != nil {
		return err
	}
	prepare(ph)
	_, err := p.pool.Exec(ctx, `
INSERT INTO pharmacies (id, name, ethereum_address, created_at)
VALUES ($1, $2, $3, $4)
`, ph.ID, ph.Name, ph.EthereumAddress, ph.CreatedAt)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM pharmacies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) Select(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO pharmacy_selection (singleton, pharmacy_id)
SELECT TRUE, id FROM pharmacies WHERE id = $1
ON CONFLICT (singleton) DO UPDATE SET pharmacy_id = EXCLUDED.pharmacy_id
`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) Selected(ctx context.Context) (*Pharmacy, error) {
	row := p.pool.QueryRow(ctx, `
SELECT ph.id, ph.name, ph.ethereum_address, ph.created_at
FROM pharmacy_selection sel
JOIN pharmacies ph ON ph.id = sel.pharmacy_id
`)

	var ph Pharmacy
	if err := row.Scan(&ph.ID, &ph.Name, &ph.EthereumAddress, &ph.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ph, nil
}
