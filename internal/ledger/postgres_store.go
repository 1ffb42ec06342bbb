package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the ledger in a PostgreSQL table. The serial seq
// column preserves insertion order for List.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createLedgerTableSQL = `
CREATE TABLE IF NOT EXISTS payment_requests (
    id  UUID PRIMARY KEY,
    seq BIGSERIAL,
    token_id BIGINT NOT NULL,
    patient_address TEXT NOT NULL,
    pharmacist_address TEXT NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payment_requests_patient_idx
    ON payment_requests (LOWER(patient_address));
`

// NewPostgresStore connects using the DSN and ensures the table exists.
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
	if _, err := pool.Exec(ctx, createLedgerTableSQL); err != nil {
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

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) List(ctx context.Context, patientAddress string) ([]PaymentRequest, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, token_id, patient_address, pharmacist_address, amount, status, created_at
FROM payment_requests
WHERE LOWER(patient_address) = LOWER($1)
ORDER BY seq
`, patientAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentRequest
	for rows.Next() {
		var (
			req    PaymentRequest
			amount string
			status string
		)
		if err := rows.Scan(&req.ID, &req.TokenID, &req.PatientAddress,
			&req.PharmacistAddress, &amount, &status, &req.CreatedAt); err != nil {
			return nil, err
		}
		req.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("stored amount %q: %w", amount, err)
		}
		req.Status = Status(status)
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Create(ctx context.Context, req *PaymentRequest) error {
	prepare(req)
	_, err := p.pool.Exec(ctx, `
INSERT INTO payment_requests (id, token_id, patient_address, pharmacist_address, amount, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, req.ID, req.TokenID, req.PatientAddress, req.PharmacistAddress,
		req.Amount.String(), string(req.Status), req.CreatedAt)
	return err
}

// SetStatus updates one request's status. An unknown id updates zero rows
// and is not an error, matching the other store implementations.
func (p *PostgresStore) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE payment_requests SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

// Get fetches a single request by id.
func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*PaymentRequest, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, token_id, patient_address, pharmacist_address, amount, status, created_at
FROM payment_requests
WHERE id = $1
`, id)

	var (
		req    PaymentRequest
		amount string
		status string
	)
	if err := row.Scan(&req.ID, &req.TokenID, &req.PatientAddress,
		&req.PharmacistAddress, &amount, &status, &req.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var err error
	req.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("stored amount %q: %w", amount, err)
	}
	req.Status = Status(status)
	return &req, nil
}
