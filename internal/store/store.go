package store

import (
	"context"
	"errors"

	"motoparts/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidState      = errors.New("bill is not in draft state")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("concurrent modification, retry the request")
)

// Repository is the persistence surface of the billing core. CreateFinalized
// and FinalizeDraft are the transactional entry points: each runs resolution,
// the stock decrement, the customer upsert, the payment append and the bill
// state transition as one atomic unit, or leaves everything untouched.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	AddStock(ctx context.Context, productID string, qty int) error

	CreateDraft(ctx context.Context, bill domain.Bill) (*domain.Bill, error)
	UpdateDraft(ctx context.Context, bill domain.Bill) (*domain.Bill, error)
	DeleteDraft(ctx context.Context, id string) error
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	ListBills(ctx context.Context, state string) ([]domain.Bill, error)

	CreateFinalized(ctx context.Context, bill domain.Bill, paymentMethod string) (*domain.Bill, error)
	FinalizeDraft(ctx context.Context, draftID string, paymentMethod string) (*domain.Bill, error)

	GetCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error)
	ListPayments(ctx context.Context) ([]domain.Payment, error)
}
