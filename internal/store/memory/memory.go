package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"motoparts/backend/internal/domain"
	"motoparts/backend/internal/resolver"
	"motoparts/backend/internal/store"
	"motoparts/backend/internal/xid"
)

// Store is a mutex-guarded in-memory repository used for dev/demo mode and
// tests. The single mutex serializes finalize calls, and every finalize
// stages its mutations before applying them, so an abort at any step leaves
// all maps untouched.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	billsByID        map[string]domain.Bill
	customersByPhone map[string]domain.Customer
	payments         []domain.Payment
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		billsByID:        make(map[string]domain.Bill),
		customersByPhone: make(map[string]domain.Customer),
		payments:         make([]domain.Payment, 0, 64),
	}
}

// NewSeeded returns a store preloaded with a small spare-parts catalog.
func NewSeeded() *Store {
	s := New()

	seeds := []domain.Product{
		{Name: "Brake Pad", Brand: "Honda", Model: "Activa", PartNumber: "BP-HON-ACT", CustomProductID: "P-1001", Price: decimal.NewFromInt(350)},
		{Name: "Clutch Plate", Brand: "Hero", Model: "Splendor", PartNumber: "CP-HER-SPL", CustomProductID: "P-1002", Price: decimal.NewFromInt(480)},
		{Name: "Air Filter", Brand: "TVS", Model: "Jupiter", PartNumber: "AF-TVS-JUP", CustomProductID: "P-1003", Price: decimal.NewFromInt(220)},
		{Name: "Spark Plug", Brand: "Bajaj", Model: "Pulsar", PartNumber: "SP-BAJ-PUL", CustomProductID: "P-1004", Price: decimal.NewFromInt(180)},
		{Name: "Chain Sprocket Kit", Brand: "Hero", Model: "Passion", PartNumber: "CS-HER-PAS", CustomProductID: "P-1005", Price: decimal.NewFromFloat(1450.50)},
		{Name: "Headlight Bulb", Brand: "Honda", Model: "Shine", PartNumber: "HB-HON-SHI", CustomProductID: "P-1006", Price: decimal.NewFromInt(260)},
		{Name: "Engine Oil 1L", Brand: "Castrol", Model: "Activ", PartNumber: "EO-CAS-ACT", CustomProductID: "P-1007", Price: decimal.NewFromInt(520)},
		{Name: "Mirror Set", Brand: "TVS", Model: "Apache", PartNumber: "MS-TVS-APA", CustomProductID: "P-1008", Price: decimal.NewFromInt(410)},
	}

	for _, p := range seeds {
		p.ID = xid.New("prod")
		p.Quantity = 25
		s.products[p.ID] = p
	}

	return s
}

// --- products ---

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.Price.IsNegative() || product.Quantity < 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrValidation
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := product
	return &copied, nil
}

// AddStock increments a product's quantity; it is the receiving workflow's
// entry point into the catalog.
func (s *Store) AddStock(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	product.Quantity += qty
	s.products[productID] = product
	return nil
}

// --- bills ---

func (s *Store) CreateDraft(_ context.Context, bill domain.Bill) (*domain.Bill, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.billsByID[bill.ID]; exists {
		return nil, store.ErrValidation
	}
	s.billsByID[bill.ID] = cloneBill(bill)
	created := cloneBill(bill)
	return &created, nil
}

func (s *Store) UpdateDraft(_ context.Context, bill domain.Bill) (*domain.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.billsByID[bill.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !existing.IsDraft() {
		return nil, store.ErrInvalidState
	}

	existing.CustomerName = bill.CustomerName
	existing.CustomerPhone = bill.CustomerPhone
	existing.BillingDate = bill.BillingDate
	existing.Items = cloneItems(bill.Items)
	existing.TotalAmount = bill.TotalAmount
	existing.UpdatedAt = time.Now().UTC()

	s.billsByID[existing.ID] = existing
	updated := cloneBill(existing)
	return &updated, nil
}

func (s *Store) DeleteDraft(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bill, exists := s.billsByID[id]
	if !exists || !bill.IsDraft() {
		return store.ErrNotFound
	}
	delete(s.billsByID, id)
	return nil
}

func (s *Store) GetBill(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, exists := s.billsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := cloneBill(bill)
	return &copied, nil
}

func (s *Store) ListBills(_ context.Context, state string) ([]domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bills := make([]domain.Bill, 0, len(s.billsByID))
	for _, b := range s.billsByID {
		if state != "" && b.State != state {
			continue
		}
		bills = append(bills, cloneBill(b))
	}
	// Newest first.
	slices.SortFunc(bills, func(a, b domain.Bill) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return bills, nil
}

// --- finalize ---

func (s *Store) CreateFinalized(ctx context.Context, bill domain.Bill, paymentMethod string) (*domain.Bill, error) {
	now := time.Now().UTC()
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	bill.CreatedAt = now
	bill.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.billsByID[bill.ID]; exists {
		return nil, store.ErrValidation
	}

	finalized, err := s.finalizeLocked(ctx, bill, paymentMethod, now)
	if err != nil {
		return nil, err
	}
	s.billsByID[finalized.ID] = cloneBill(*finalized)
	result := cloneBill(*finalized)
	return &result, nil
}

func (s *Store) FinalizeDraft(ctx context.Context, draftID string, paymentMethod string) (*domain.Bill, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	bill, exists := s.billsByID[draftID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !bill.IsDraft() {
		return nil, store.ErrInvalidState
	}

	finalized, err := s.finalizeLocked(ctx, cloneBill(bill), paymentMethod, now)
	if err != nil {
		return nil, err
	}
	s.billsByID[finalized.ID] = cloneBill(*finalized)
	result := cloneBill(*finalized)
	return &result, nil
}

// finalizeLocked runs steps 2-7 of the finalize sequence. The caller holds
// the write lock; nothing is mutated until every check has passed.
func (s *Store) finalizeLocked(ctx context.Context, bill domain.Bill, paymentMethod string, now time.Time) (*domain.Bill, error) {
	if !domain.IsSupportedPaymentMethod(paymentMethod) {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, paymentMethod)
	}
	if len(bill.Items) == 0 {
		return nil, fmt.Errorf("%w: bill has no items", store.ErrValidation)
	}

	finder := lockedFinder{s: s}

	// Resolve every line item in array order; any failure aborts before any
	// stock or ledger mutation.
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

	// Stage the stock decrements; the same product may appear on several
	// line items, so track the cumulative consumption.
	consumed := make(map[string]int, len(resolved))
	for i, item := range bill.Items {
		product := resolved[i]
		available := s.products[product.ID].Quantity - consumed[product.ID]
		if available < item.Quantity {
			return nil, fmt.Errorf("%w: product %s requires %d, available %d",
				store.ErrInsufficientStock, product.ID, item.Quantity, available)
		}
		consumed[product.ID] += item.Quantity
	}

	// Stage the customer upsert. The stored name is never overwritten and
	// latestBillingDate only moves forward.
	customer, hadCustomer := s.customersByPhone[bill.CustomerPhone]
	if !hadCustomer {
		customer = domain.Customer{
			ID:                xid.New("cust"),
			Name:              bill.CustomerName,
			Phone:             bill.CustomerPhone,
			LatestBillingDate: bill.BillingDate,
			CreatedAt:         now,
		}
	} else if bill.BillingDate.After(customer.LatestBillingDate) {
		customer.LatestBillingDate = bill.BillingDate
	}

	payment := domain.Payment{
		ID:            xid.New("pay"),
		BillRef:       bill.ID,
		CustomerRef:   customer.ID,
		CustomerName:  customer.Name,
		CustomerPhone: customer.Phone,
		BillingDate:   bill.BillingDate,
		Amount:        bill.TotalAmount,
		Method:        paymentMethod,
		PaymentDate:   now,
	}

	// All checks passed; apply everything.
	for productID, qty := range consumed {
		product := s.products[productID]
		product.Quantity -= qty
		s.products[productID] = product
	}
	s.customersByPhone[customer.Phone] = customer
	s.payments = append(s.payments, payment)

	for i := range bill.Items {
		bill.Items[i].ProductRef = resolved[i].ID
	}
	bill.State = domain.BillStateFinalized
	bill.CustomerRef = customer.ID
	bill.PaymentRef = payment.ID
	finalizedAt := now
	bill.FinalizedAt = &finalizedAt
	bill.UpdatedAt = now

	return &bill, nil
}

// --- customers and payments ---

func (s *Store) GetCustomerByPhone(_ context.Context, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByPhone[phone]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := customer
	return &copied, nil
}

func (s *Store) ListPayments(_ context.Context) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := make([]domain.Payment, len(s.payments))
	copy(payments, s.payments)
	return payments, nil
}

// lockedFinder reads the product maps directly; the caller already holds
// the store lock, so resolution sees the same snapshot the finalize
// mutates.
type lockedFinder struct {
	s *Store
}

func (f lockedFinder) FindByID(_ context.Context, id string) (*domain.Product, error) {
	product, exists := f.s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := product
	return &copied, nil
}

func (f lockedFinder) FindByPartNumber(_ context.Context, partNumber string) (*domain.Product, error) {
	return f.firstMatch(func(p domain.Product) bool {
		return p.PartNumber != "" && p.PartNumber == partNumber
	})
}

func (f lockedFinder) FindByCustomID(_ context.Context, customID string) (*domain.Product, error) {
	return f.firstMatch(func(p domain.Product) bool {
		return p.CustomProductID != "" && p.CustomProductID == customID
	})
}

func (f lockedFinder) FindByNameBrandModel(_ context.Context, name, brand, model string) (*domain.Product, error) {
	return f.firstMatch(func(p domain.Product) bool {
		return p.Name == name && p.Brand == brand && p.Model == model
	})
}

// firstMatch returns the matching product with the smallest id so that
// ambiguous lookups resolve deterministically.
func (f lockedFinder) firstMatch(match func(domain.Product) bool) (*domain.Product, error) {
	var best *domain.Product
	for _, p := range f.s.products {
		if !match(p) {
			continue
		}
		if best == nil || p.ID < best.ID {
			copied := p
			best = &copied
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func cloneBill(b domain.Bill) domain.Bill {
	copied := b
	copied.Items = cloneItems(b.Items)
	if b.FinalizedAt != nil {
		at := *b.FinalizedAt
		copied.FinalizedAt = &at
	}
	return copied
}

func cloneItems(items []domain.LineItem) []domain.LineItem {
	copied := make([]domain.LineItem, len(items))
	copy(copied, items)
	return copied
}
