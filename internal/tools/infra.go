package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// Repo is the Postgres implementation of every store the handlers use.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) OrderByNumber(ctx context.Context, businessID, orderNumber string) (OrderRecord, error) {
	var o OrderRecord
	var customerID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_number, customer_id, customer_name, customer_phone, status
		FROM orders
		WHERE business_id = $1 AND upper(order_number) = upper($2)
	`, businessID, orderNumber).Scan(
		&o.ID,
		&o.OrderNumber,
		&customerID,
		&o.CustomerName,
		&o.CustomerPhone,
		&o.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderRecord{}, ErrNotFound
	}
	if err != nil {
		return OrderRecord{}, err
	}
	o.CustomerID = customerID.String
	return o, nil
}

func (r *Repo) OrdersByCustomer(ctx context.Context, businessID, customerID string) ([]OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_number, customer_id, customer_name, customer_phone, status
		FROM orders
		WHERE business_id = $1 AND customer_id = $2
		ORDER BY created_at DESC
		LIMIT 10
	`, businessID, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var o OrderRecord
		var cid sql.NullString
		if err := rows.Scan(&o.ID, &o.OrderNumber, &cid, &o.CustomerName, &o.CustomerPhone, &o.Status); err != nil {
			return nil, err
		}
		o.CustomerID = cid.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) CustomersByPhone(ctx context.Context, businessID string, variants []string) ([]CustomerRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, email, phone, balance, currency
		FROM customers
		WHERE business_id = $1 AND phone = ANY($2)
		LIMIT 5
	`, businessID, pq.Array(variants))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CustomerRecord
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) Customer(ctx context.Context, businessID, id string) (CustomerRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, balance, currency
		FROM customers
		WHERE business_id = $1 AND id = $2
	`, businessID, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CustomerRecord{}, ErrNotFound
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(s scanner) (CustomerRecord, error) {
	var c CustomerRecord
	var email, phone sql.NullString
	if err := s.Scan(&c.ID, &c.Name, &email, &phone, &c.Balance, &c.Currency); err != nil {
		return CustomerRecord{}, err
	}
	c.Email = email.String
	c.Phone = phone.String
	return c, nil
}

// CreateOrGetPending serializes concurrent requests for the same
// (business, phone, topic) on a transaction-scoped advisory lock, so the
// check and the insert cannot interleave.
func (r *Repo) CreateOrGetPending(ctx context.Context, req CallbackRequest, window time.Duration) (string, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	lockKey := req.BusinessID + "|" + req.CustomerPhone + "|" + req.TopicHash
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return "", false, fmt.Errorf("advisory lock: %w", err)
	}

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM callback_requests
		WHERE business_id = $1
		  AND customer_phone = $2
		  AND topic_hash = $3
		  AND status = 'PENDING'
		  AND requested_at > $4
		ORDER BY requested_at DESC
		LIMIT 1
	`, req.BusinessID, req.CustomerPhone, req.TopicHash, req.RequestedAt.Add(-window)).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO callback_requests
			(id, business_id, customer_name, customer_phone, topic, topic_hash, priority, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		req.ID,
		req.BusinessID,
		req.CustomerName,
		req.CustomerPhone,
		req.Topic,
		req.TopicHash,
		string(req.Priority),
		req.Status,
		req.RequestedAt,
	)
	if err != nil {
		return "", false, err
	}
	return req.ID, true, tx.Commit()
}

func (r *Repo) Book(ctx context.Context, a Appointment) (string, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO appointments (id, business_id, customer_name, customer_phone, service, starts_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		a.ID,
		a.BusinessID,
		a.CustomerName,
		a.CustomerPhone,
		a.Service,
		a.StartsAt,
		a.Status,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return "", ErrSlotTaken
	}
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (r *Repo) SearchProducts(ctx context.Context, businessID, query string, limit int) ([]Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, price, currency, stock > 0
		FROM products
		WHERE business_id = $1 AND name ILIKE '%' || $2 || '%'
		ORDER BY name
		LIMIT $3
	`, businessID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.InStock); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
