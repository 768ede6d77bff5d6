package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrStoreUnavailable indicates the database dependency is not configured.
var ErrStoreUnavailable = errors.New("ledger: store unavailable")

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore keeps the ledger in PostgreSQL. Amounts are read as text so they
// land in decimal.Decimal without float conversion.
type PGStore struct {
	DB DB
}

// NewPGStore constructs a Postgres-backed ledger store.
func NewPGStore(db DB) *PGStore {
	return &PGStore{DB: db}
}

const selectInvoices = `SELECT id, ref, client_name, vendor_name, issued_at, total::text,
payment_method, deposit::text, check_count, check_amount::text, checks_total::text, payment_completed
FROM ledger_invoices`

// ListInvoices returns every ledger entry, newest first.
func (s *PGStore) ListInvoices(ctx context.Context) ([]Invoice, error) {
	if s == nil || s.DB == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.DB.Query(ctx, selectInvoices+` ORDER BY issued_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Get loads one entry by id.
func (s *PGStore) Get(ctx context.Context, id string) (Invoice, error) {
	if s == nil || s.DB == nil {
		return Invoice{}, ErrStoreUnavailable
	}
	rows, err := s.DB.Query(ctx, selectInvoices+` WHERE id = $1`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Invoice{}, err
		}
		return Invoice{}, ErrNotFound
	}
	return scanInvoice(rows)
}

// Save upserts an entry.
func (s *PGStore) Save(ctx context.Context, inv Invoice) error {
	if err := Validate(inv); err != nil {
		return err
	}
	if s == nil || s.DB == nil {
		return ErrStoreUnavailable
	}
	var (
		method      any
		deposit     = "0"
		checkCount  int
		checkAmount = "0"
		checksTotal any
		completed   bool
	)
	if p := inv.Payment; p != nil {
		method = p.Method
		deposit = p.Deposit.StringFixed(2)
		checkCount = p.CheckCount
		checkAmount = p.CheckAmount.StringFixed(2)
		if p.ChecksTotal != nil {
			checksTotal = p.ChecksTotal.StringFixed(2)
		}
		completed = p.Completed
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO ledger_invoices
(id, ref, client_name, vendor_name, issued_at, total, payment_method, deposit, check_count, check_amount, checks_total, payment_completed)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9, $10::numeric, $11::numeric, $12)
ON CONFLICT (id) DO UPDATE SET
  ref = EXCLUDED.ref,
  client_name = EXCLUDED.client_name,
  vendor_name = EXCLUDED.vendor_name,
  issued_at = EXCLUDED.issued_at,
  total = EXCLUDED.total,
  payment_method = EXCLUDED.payment_method,
  deposit = EXCLUDED.deposit,
  check_count = EXCLUDED.check_count,
  check_amount = EXCLUDED.check_amount,
  checks_total = EXCLUDED.checks_total,
  payment_completed = EXCLUDED.payment_completed,
  updated_at = now()`,
		inv.ID, inv.Ref, inv.ClientName, inv.VendorName, inv.IssuedAt.UTC(), inv.Total.StringFixed(2),
		method, deposit, checkCount, checkAmount, checksTotal, completed)
	return err
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv         Invoice
		total       string
		method      *string
		deposit     string
		checkCount  int
		checkAmount string
		checksTotal *string
		completed   bool
	)
	if err := row.Scan(&inv.ID, &inv.Ref, &inv.ClientName, &inv.VendorName, &inv.IssuedAt, &total,
		&method, &deposit, &checkCount, &checkAmount, &checksTotal, &completed); err != nil {
		return Invoice{}, err
	}
	var err error
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return Invoice{}, fmt.Errorf("ledger %s total: %w", inv.ID, err)
	}
	inv.IssuedAt = inv.IssuedAt.UTC()
	if method == nil {
		return inv, nil
	}
	p := &Payment{Method: *method, CheckCount: checkCount, Completed: completed}
	if p.Deposit, err = decimal.NewFromString(deposit); err != nil {
		return Invoice{}, fmt.Errorf("ledger %s deposit: %w", inv.ID, err)
	}
	if p.CheckAmount, err = decimal.NewFromString(checkAmount); err != nil {
		return Invoice{}, fmt.Errorf("ledger %s check amount: %w", inv.ID, err)
	}
	if checksTotal != nil {
		v, err := decimal.NewFromString(*checksTotal)
		if err != nil {
			return Invoice{}, fmt.Errorf("ledger %s checks total: %w", inv.ID, err)
		}
		p.ChecksTotal = &v
	}
	inv.Payment = p
	return inv, nil
}

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN to the scheme the pgx/v5 migrate driver registers.
func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}
