package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"motoparts/backend/internal/domain"
	"motoparts/backend/internal/resolver"
	"motoparts/backend/internal/store"
	"motoparts/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- products ---

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, custom_product_id, part_number, name, brand, model, price, quantity
		FROM products
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price.IsNegative() || product.Quantity < 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, custom_product_id, part_number, name, brand, model, price, quantity, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
	`, product.ID, nullIfEmpty(product.CustomProductID), nullIfEmpty(product.PartNumber),
		product.Name, product.Brand, product.Model, product.Price, product.Quantity)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return findProduct(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) AddStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity + $1, updated_at = now()
		WHERE id = $2
	`, qty, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- bills ---

func (s *Store) CreateDraft(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	now := time.Now().UTC()
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	bill.State = domain.BillStateDraft
	bill.CustomerRef = ""
	bill.PaymentRef = ""
	bill.FinalizedAt = nil
	bill.CreatedAt = now
	bill.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertBill(ctx, tx, bill); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := bill
	return &created, nil
}

func (s *Store) UpdateDraft(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := lockBill(ctx, tx, bill.ID)
	if err != nil {
		return nil, err
	}
	if !existing.IsDraft() {
		return nil, store.ErrInvalidState
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE bills
		SET customer_name = $2, customer_phone = $3, billing_date = $4, total_amount = $5, updated_at = $6
		WHERE id = $1
	`, bill.ID, bill.CustomerName, bill.CustomerPhone, bill.BillingDate, bill.TotalAmount, now)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, bill.ID); err != nil {
		return nil, err
	}
	if err := insertItems(ctx, tx, bill.ID, bill.Items); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}

	existing.CustomerName = bill.CustomerName
	existing.CustomerPhone = bill.CustomerPhone
	existing.BillingDate = bill.BillingDate
	existing.TotalAmount = bill.TotalAmount
	existing.Items = bill.Items
	existing.UpdatedAt = now
	return existing, nil
}

func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM bills
		WHERE id = $1 AND state = $2
	`, id, domain.BillStateDraft)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	bill, err := scanBillRow(s.db.QueryRowContext(ctx, `
		SELECT id, customer_name, customer_phone, billing_date, total_amount,
			state, customer_ref, payment_ref, finalized_at, created_at, updated_at
		FROM bills
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}

	items, err := loadItems(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	bill.Items = items
	return bill, nil
}

func (s *Store) ListBills(ctx context.Context, state string) ([]domain.Bill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_name, customer_phone, billing_date, total_amount,
			state, customer_ref, payment_ref, finalized_at, created_at, updated_at
		FROM bills
		WHERE $1 = '' OR state = $1
		ORDER BY created_at DESC, id DESC
	`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.Bill, 0, 32)
	for rows.Next() {
		bill, err := scanBillRow(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, *bill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range bills {
		items, err := loadItems(ctx, s.db, bills[i].ID)
		if err != nil {
			return nil, err
		}
		bills[i].Items = items
	}

	return bills, nil
}

// --- finalize ---

func (s *Store) CreateFinalized(ctx context.Context, bill domain.Bill, paymentMethod string) (*domain.Bill, error) {
	now := time.Now().UTC()
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	bill.State = domain.BillStateDraft
	bill.CreatedAt = now
	bill.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertBill(ctx, tx, bill); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	finalized, err := finalizeTx(ctx, tx, bill, paymentMethod, now)
	if err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return finalized, nil
}

func (s *Store) FinalizeDraft(ctx context.Context, draftID string, paymentMethod string) (*domain.Bill, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bill, err := lockBill(ctx, tx, draftID)
	if err != nil {
		return nil, err
	}
	if !bill.IsDraft() {
		return nil, store.ErrInvalidState
	}

	finalized, err := finalizeTx(ctx, tx, *bill, paymentMethod, now)
	if err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return finalized, nil
}

// finalizeTx runs the finalize sequence against an already-open serializable
// transaction holding the bill row lock: resolve every item, re-check the
// total, decrement stock, upsert the customer, append the payment, flip the
// bill. Any error aborts via the caller's deferred rollback.
func finalizeTx(ctx context.Context, tx *sql.Tx, bill domain.Bill, paymentMethod string, now time.Time) (*domain.Bill, error) {
	if !domain.IsSupportedPaymentMethod(paymentMethod) {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, paymentMethod)
	}
	if len(bill.Items) == 0 {
		return nil, fmt.Errorf("%w: bill has no items", store.ErrValidation)
	}

	finder := txFinder{tx: tx}

	resolved := make([]domain.Product, 0, len(bill.Items))
	calculated := decimal.Zero
	for _, item := range bill.Items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: item %q has quantity %d", store.ErrValidation, resolver.FromLineItem(item).Label(), item.Quantity)
		}
		product, err := resolver.Resolve(ctx, finder, resolver.FromLineItem(item))
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, *product)
		calculated = calculated.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	if calculated.Sub(bill.TotalAmount).Abs().GreaterThan(domain.TotalEpsilon) {
		return nil, fmt.Errorf("%w: total amount (%s) does not match the sum of item prices (%s)",
			store.ErrValidation, bill.TotalAmount.StringFixed(2), calculated.StringFixed(2))
	}

	// Conditional decrement: zero rows affected means another transaction
	// consumed the stock first, so the quantity floor is enforced without a
	// separate read.
	for i, item := range bill.Items {
		product := resolved[i]
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET quantity = quantity - $1, updated_at = now()
			WHERE id = $2 AND quantity >= $1
		`, item.Quantity, product.ID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			var available int
			err := tx.QueryRowContext(ctx, `SELECT quantity FROM products WHERE id = $1`, product.ID).Scan(&available)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
			}
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: product %s requires %d, available %d",
				store.ErrInsufficientStock, product.ID, item.Quantity, available)
		}
	}

	// Customer upsert keyed on phone. The stored name is never overwritten
	// and latest_billing_date only moves forward.
	var customerID, customerName string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO customers (id, name, phone, latest_billing_date, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (phone)
		DO UPDATE SET latest_billing_date = GREATEST(customers.latest_billing_date, EXCLUDED.latest_billing_date)
		RETURNING id, name
	`, xid.New("cust"), bill.CustomerName, bill.CustomerPhone, bill.BillingDate, now).Scan(&customerID, &customerName)
	if err != nil {
		return nil, err
	}

	paymentID := xid.New("pay")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, bill_ref, customer_ref, customer_name, customer_phone, billing_date, amount, method, payment_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, paymentID, bill.ID, customerID, customerName, bill.CustomerPhone, bill.BillingDate, bill.TotalAmount, paymentMethod, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bills
		SET state = $2, customer_ref = $3, payment_ref = $4, finalized_at = $5, updated_at = $5
		WHERE id = $1
	`, bill.ID, domain.BillStateFinalized, customerID, paymentID, now)
	if err != nil {
		return nil, err
	}

	// Back-fill the resolved product refs onto the stored items.
	for i := range bill.Items {
		bill.Items[i].ProductRef = resolved[i].ID
		_, err = tx.ExecContext(ctx, `
			UPDATE bill_items
			SET product_ref = $3
			WHERE bill_id = $1 AND position = $2
		`, bill.ID, i, resolved[i].ID)
		if err != nil {
			return nil, err
		}
	}

	bill.State = domain.BillStateFinalized
	bill.CustomerRef = customerID
	bill.PaymentRef = paymentID
	finalizedAt := now
	bill.FinalizedAt = &finalizedAt
	bill.UpdatedAt = now
	return &bill, nil
}

// --- customers and payments ---

func (s *Store) GetCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, latest_billing_date, created_at
		FROM customers
		WHERE phone = $1
	`, phone).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.LatestBillingDate, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.LatestBillingDate = customer.LatestBillingDate.UTC()
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) ListPayments(ctx context.Context) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bill_ref, customer_ref, customer_name, customer_phone, billing_date, amount, method, payment_date
		FROM payments
		ORDER BY payment_date DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 64)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.BillRef, &p.CustomerRef, &p.CustomerName, &p.CustomerPhone, &p.BillingDate, &p.Amount, &p.Method, &p.PaymentDate); err != nil {
			return nil, err
		}
		p.BillingDate = p.BillingDate.UTC()
		p.PaymentDate = p.PaymentDate.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

// txFinder resolves products inside the finalize transaction, so lookups see
// the transaction's snapshot. Multi-candidate lookups order by created_at, id
// so "first match wins" is deterministic.
type txFinder struct {
	tx *sql.Tx
}

func (f txFinder) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	return findProduct(ctx, f.tx, `WHERE id = $1`, id)
}

func (f txFinder) FindByPartNumber(ctx context.Context, partNumber string) (*domain.Product, error) {
	return findProduct(ctx, f.tx, `WHERE part_number = $1 ORDER BY created_at, id LIMIT 1`, partNumber)
}

func (f txFinder) FindByCustomID(ctx context.Context, customID string) (*domain.Product, error) {
	return findProduct(ctx, f.tx, `WHERE custom_product_id = $1 ORDER BY created_at, id LIMIT 1`, customID)
}

func (f txFinder) FindByNameBrandModel(ctx context.Context, name, brand, model string) (*domain.Product, error) {
	return findProduct(ctx, f.tx, `WHERE name = $1 AND brand = $2 AND model = $3 ORDER BY created_at, id LIMIT 1`, name, brand, model)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findProduct(ctx context.Context, q querier, clause string, args ...any) (*domain.Product, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, custom_product_id, part_number, name, brand, model, price, quantity
		FROM products `+clause, args...)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProduct(row scannable) (*domain.Product, error) {
	var p domain.Product
	var customID, partNumber sql.NullString
	if err := row.Scan(&p.ID, &customID, &partNumber, &p.Name, &p.Brand, &p.Model, &p.Price, &p.Quantity); err != nil {
		return nil, err
	}
	if customID.Valid {
		p.CustomProductID = customID.String
	}
	if partNumber.Valid {
		p.PartNumber = partNumber.String
	}
	return &p, nil
}

func scanBillRow(row scannable) (*domain.Bill, error) {
	var bill domain.Bill
	var customerRef, paymentRef sql.NullString
	var finalizedAt sql.NullTime
	err := row.Scan(&bill.ID, &bill.CustomerName, &bill.CustomerPhone, &bill.BillingDate,
		&bill.TotalAmount, &bill.State, &customerRef, &paymentRef, &finalizedAt,
		&bill.CreatedAt, &bill.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerRef.Valid {
		bill.CustomerRef = customerRef.String
	}
	if paymentRef.Valid {
		bill.PaymentRef = paymentRef.String
	}
	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		bill.FinalizedAt = &at
	}
	bill.BillingDate = bill.BillingDate.UTC()
	bill.CreatedAt = bill.CreatedAt.UTC()
	bill.UpdatedAt = bill.UpdatedAt.UTC()
	return &bill, nil
}

func lockBill(ctx context.Context, tx *sql.Tx, id string) (*domain.Bill, error) {
	bill, err := scanBillRow(tx.QueryRowContext(ctx, `
		SELECT id, customer_name, customer_phone, billing_date, total_amount,
			state, customer_ref, payment_ref, finalized_at, created_at, updated_at
		FROM bills
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	items, err := loadItems(ctx, tx, bill.ID)
	if err != nil {
		return nil, err
	}
	bill.Items = items
	return bill, nil
}

func loadItems(ctx context.Context, q querier, billID string) ([]domain.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_ref, description, part_number, custom_product_id, unit_price, quantity
		FROM bill_items
		WHERE bill_id = $1
		ORDER BY position
	`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0, 8)
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductRef, &item.Description, &item.PartNumber, &item.CustomProductID, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func insertBill(ctx context.Context, tx *sql.Tx, bill domain.Bill) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bills (id, customer_name, customer_phone, billing_date, total_amount, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, bill.ID, bill.CustomerName, bill.CustomerPhone, bill.BillingDate, bill.TotalAmount, bill.State, bill.CreatedAt, bill.UpdatedAt)
	if err != nil {
		return err
	}
	return insertItems(ctx, tx, bill.ID, bill.Items)
}

func insertItems(ctx context.Context, tx *sql.Tx, billID string, items []domain.LineItem) error {
	for i, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bill_items (bill_id, position, product_ref, description, part_number, custom_product_id, unit_price, quantity)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, billID, i, item.ProductRef, item.Description, item.PartNumber, item.CustomProductID, item.UnitPrice, item.Quantity)
		if err != nil {
			return err
		}
	}
	return nil
}

// mapTxError translates serialization failures into ErrConflict so callers
// know the finalize is safe to retry.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Code)
		case "23505":
			return fmt.Errorf("%w: concurrent write", store.ErrConflict)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
