package identity

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

type repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) Directory {
	return &repo{db: db}
}

func (r *repo) CustomerIDsByEmail(ctx context.Context, businessID, email string) ([]string, error) {
	return r.ids(ctx, `
		SELECT id
		FROM customers
		WHERE business_id = $1 AND lower(email) = lower($2)
		LIMIT 5
	`, businessID, email)
}

func (r *repo) CustomerIDsByPhone(ctx context.Context, businessID string, variants []string) ([]string, error) {
	return r.ids(ctx, `
		SELECT id
		FROM customers
		WHERE business_id = $1 AND phone = ANY($2)
		LIMIT 5
	`, businessID, pq.Array(variants))
}

func (r *repo) OrderIDsByPhone(ctx context.Context, businessID string, variants []string) ([]string, error) {
	return r.ids(ctx, `
		SELECT id
		FROM orders
		WHERE business_id = $1 AND customer_phone = ANY($2)
		LIMIT 5
	`, businessID, pq.Array(variants))
}

func (r *repo) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
