package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"motoparts/backend/internal/cache"
	"motoparts/backend/internal/domain"
	"motoparts/backend/internal/store"
)

type Service struct {
	repo     store.Repository
	bills    cache.BillCache
	cacheTTL time.Duration
}

func New(repo store.Repository, bills cache.BillCache, cacheTTL time.Duration) *Service {
	if bills == nil {
		bills = cache.NoopBillCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}

	return &Service{
		repo:     repo,
		bills:    bills,
		cacheTTL: cacheTTL,
	}
}

// SaveBill creates a draft, or a directly-finalized bill when isDraft is
// false. Validation happens before any write: a total that does not match
// the item sum is rejected, never silently corrected.
func (s *Service) SaveBill(ctx context.Context, req domain.BillCreateRequest) (*domain.Bill, error) {
	bill, err := buildBill(req.CustomerName, req.CustomerPhoneNumber, req.BillingDate, req.Items, req.TotalAmount)
	if err != nil {
		return nil, err
	}

	if req.IsDraft {
		return s.repo.CreateDraft(ctx, *bill)
	}

	if !domain.IsSupportedPaymentMethod(req.PaymentMethod) {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}

	finalized, err := s.repo.CreateFinalized(ctx, *bill, req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	s.cacheFinalized(ctx, finalized)
	return finalized, nil
}

func (s *Service) UpdateDraft(ctx context.Context, id string, req domain.BillUpdateRequest) (*domain.Bill, error) {
	bill, err := buildBill(req.CustomerName, req.CustomerPhoneNumber, req.BillingDate, req.Items, req.TotalAmount)
	if err != nil {
		return nil, err
	}
	bill.ID = id

	return s.repo.UpdateDraft(ctx, *bill)
}

// Finalize converts a draft into a finalized bill. The atomic part (resolve,
// total re-check, stock decrement, customer upsert, payment append, state
// flip) lives in the repository; on success the bill is cached.
func (s *Service) Finalize(ctx context.Context, id string, paymentMethod string) (*domain.Bill, error) {
	if !domain.IsSupportedPaymentMethod(paymentMethod) {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, paymentMethod)
	}

	finalized, err := s.repo.FinalizeDraft(ctx, id, paymentMethod)
	if err != nil {
		return nil, err
	}
	s.cacheFinalized(ctx, finalized)
	return finalized, nil
}

func (s *Service) ListDrafts(ctx context.Context) ([]domain.Bill, error) {
	return s.repo.ListBills(ctx, domain.BillStateDraft)
}

func (s *Service) ListFinalized(ctx context.Context) ([]domain.Bill, error) {
	return s.repo.ListBills(ctx, domain.BillStateFinalized)
}

func (s *Service) GetDraft(ctx context.Context, id string) (*domain.Bill, error) {
	bill, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bill.IsDraft() {
		return nil, store.ErrNotFound
	}
	return bill, nil
}

func (s *Service) GetFinalized(ctx context.Context, id string) (*domain.Bill, error) {
	cached, hit, err := s.bills.Get(ctx, id)
	if err != nil {
		log.Printf("[service] WARN: bill cache get id=%s: %v", id, err)
	}
	if hit {
		return cached, nil
	}

	bill, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	if bill.IsDraft() {
		return nil, store.ErrNotFound
	}
	s.cacheFinalized(ctx, bill)
	return bill, nil
}

func (s *Service) DeleteDraft(ctx context.Context, id string) error {
	return s.repo.DeleteDraft(ctx, id)
}

func (s *Service) ListPayments(ctx context.Context) ([]domain.Payment, error) {
	return s.repo.ListPayments(ctx)
}

func (s *Service) GetCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	return s.repo.GetCustomerByPhone(ctx, phone)
}

func (s *Service) cacheFinalized(ctx context.Context, bill *domain.Bill) {
	if err := s.bills.Set(ctx, bill, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: bill cache set id=%s: %v", bill.ID, err)
	}
}

// buildBill validates the request fields and assembles the domain bill.
func buildBill(name, phone string, billingDate time.Time, items []domain.BillItemInput, total decimal.Decimal) (*domain.Bill, error) {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" {
		return nil, fmt.Errorf("%w: customer name is required", store.ErrValidation)
	}
	if phone == "" {
		return nil, fmt.Errorf("%w: customer phone number is required", store.ErrValidation)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", store.ErrValidation)
	}
	if billingDate.IsZero() {
		billingDate = time.Now().UTC()
	}

	lineItems := make([]domain.LineItem, 0, len(items))
	calculated := decimal.Zero
	for i, input := range items {
		if input.Quantity < 1 {
			return nil, fmt.Errorf("%w: item %d has quantity %d", store.ErrValidation, i, input.Quantity)
		}
		if input.Price.IsNegative() {
			return nil, fmt.Errorf("%w: item %d has negative price", store.ErrValidation, i)
		}
		lineItems = append(lineItems, domain.LineItem{
			ProductRef:      strings.TrimSpace(input.Product),
			Description:     strings.TrimSpace(input.NameDescription),
			PartNumber:      strings.TrimSpace(input.PartNumber),
			CustomProductID: strings.TrimSpace(input.ProductID),
			UnitPrice:       input.Price,
			Quantity:        input.Quantity,
		})
		calculated = calculated.Add(input.Price.Mul(decimal.NewFromInt(int64(input.Quantity))))
	}

	if calculated.Sub(total).Abs().GreaterThan(domain.TotalEpsilon) {
		return nil, fmt.Errorf("%w: total amount (%s) does not match the sum of item prices (%s)",
			store.ErrValidation, total.StringFixed(2), calculated.StringFixed(2))
	}

	return &domain.Bill{
		CustomerName:  name,
		CustomerPhone: phone,
		BillingDate:   billingDate.UTC(),
		Items:         lineItems,
		TotalAmount:   total,
	}, nil
}
