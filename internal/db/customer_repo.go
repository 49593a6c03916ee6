package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// CustomerRepository provides data access for the customers table. Email
// uniqueness is enforced case-insensitively: addresses are lowercased before
// any read or write.
type CustomerRepository struct {
	db DBTX
}

// NewCustomerRepository creates a CustomerRepository backed by the given
// connection (pool or transaction).
func NewCustomerRepository(db DBTX) *CustomerRepository {
	return &CustomerRepository{db: db}
}

const customerColumns = `c.id, c.email, c.stripe_customer_id, c.name, c.metadata,
	c.created_at, c.updated_at`

func scanCustomer(row pgx.Row) (*types.Customer, error) {
	var cust types.Customer
	var name *string

	err := row.Scan(
		&cust.ID,
		&cust.Email,
		&cust.StripeCustomerID,
		&name,
		&cust.Metadata,
		&cust.CreatedAt,
		&cust.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if name != nil {
		cust.Name = *name
	}
	return &cust, nil
}

// Create inserts a new customer record. The caller must set the ID (prefixed
// UUID, e.g. "cus_loc_...") before calling. A duplicate email or duplicate
// external customer reference maps to ErrCodeConflictEmail; customer
// creation deliberately rejects reuse rather than adopting the existing row.
func (r *CustomerRepository) Create(ctx context.Context, cust *types.Customer) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO customers (id, email, stripe_customer_id, name, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		cust.ID,
		strings.ToLower(cust.Email),
		cust.StripeCustomerID,
		nilIfEmpty(cust.Name),
		cust.Metadata,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return types.NewAppError(types.ErrCodeConflictEmail, "customer already exists with this email", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create customer", err)
	}
	return nil
}

// GetByEmail retrieves a customer by email (case-insensitive).
func (r *CustomerRepository) GetByEmail(ctx context.Context, email string) (*types.Customer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+customerColumns+`
		 FROM customers c
		 WHERE c.email = $1`,
		strings.ToLower(email),
	)

	cust, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "customer not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve customer", err)
	}
	return cust, nil
}

// GetByID retrieves a customer by its local ID.
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*types.Customer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+customerColumns+`
		 FROM customers c
		 WHERE c.id = $1`,
		id,
	)

	cust, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "customer not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve customer", err)
	}
	return cust, nil
}
