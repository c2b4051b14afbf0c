package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"motoparts/backend/internal/domain"
	"motoparts/backend/internal/resolver"
	"motoparts/backend/internal/store"
	"motoparts/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return New(repo, nil, 0), repo
}

func mustCreateProduct(t *testing.T, repo *memory.Store, p domain.Product) domain.Product {
	t.Helper()
	created, err := repo.CreateProduct(context.Background(), p)
	if err != nil {
		t.Fatalf("create product %s: %v", p.Name, err)
	}
	return *created
}

func draftRequest(phone string, items []domain.BillItemInput, total int64) domain.BillCreateRequest {
	return domain.BillCreateRequest{
		CustomerName:        "Ravi Kumar",
		CustomerPhoneNumber: phone,
		BillingDate:         time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		Items:               items,
		TotalAmount:         decimal.NewFromInt(total),
		IsDraft:             true,
	}
}

func TestSaveBillRejectsTotalMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	items := []domain.BillItemInput{
		{PartNumber: "BP-1", Price: decimal.NewFromInt(100), Quantity: 2},
		{PartNumber: "SP-1", Price: decimal.NewFromInt(50), Quantity: 1},
	}

	if _, err := svc.SaveBill(ctx, draftRequest("9000000001", items, 260)); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for mismatched total, got %v", err)
	}

	bill, err := svc.SaveBill(ctx, draftRequest("9000000001", items, 250))
	if err != nil {
		t.Fatalf("expected matching total to be accepted, got %v", err)
	}
	if !bill.IsDraft() {
		t.Fatalf("expected draft state, got %s", bill.State)
	}
}

func TestFinalizeDraftHappyPath(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	pad := mustCreateProduct(t, repo, domain.Product{
		Name: "Brake Pad", Brand: "Honda", Model: "Activa",
		PartNumber: "BP-HON-ACT", Price: decimal.NewFromInt(350), Quantity: 10,
	})

	draft, err := svc.SaveBill(ctx, draftRequest("9000000002", []domain.BillItemInput{
		{PartNumber: "BP-HON-ACT", Price: decimal.NewFromInt(350), Quantity: 2},
	}, 700))
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}

	finalized, err := svc.Finalize(ctx, draft.ID, domain.PaymentMethodUPI)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.State != domain.BillStateFinalized {
		t.Fatalf("expected finalized state, got %s", finalized.State)
	}
	if finalized.CustomerRef == "" || finalized.PaymentRef == "" || finalized.FinalizedAt == nil {
		t.Fatalf("expected refs and finalizedAt to be set, got %+v", finalized)
	}
	if finalized.Items[0].ProductRef != pad.ID {
		t.Fatalf("expected resolved product ref %s, got %s", pad.ID, finalized.Items[0].ProductRef)
	}

	after, err := repo.GetProductByID(ctx, pad.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Quantity != 8 {
		t.Fatalf("expected stock 8 after finalize, got %d", after.Quantity)
	}

	drafts, err := svc.ListDrafts(ctx)
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(drafts) != 0 {
		t.Fatalf("expected no drafts after finalize, got %d", len(drafts))
	}

	payments, err := svc.ListPayments(ctx)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("expected one payment, got %d", len(payments))
	}
	payment := payments[0]
	if payment.BillRef != finalized.ID || payment.ID != finalized.PaymentRef {
		t.Fatalf("payment refs do not line up: %+v", payment)
	}
	if payment.Method != domain.PaymentMethodUPI || !payment.Amount.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("unexpected payment method/amount: %+v", payment)
	}
	if payment.CustomerPhone != "9000000002" {
		t.Fatalf("expected denormalized phone on payment, got %q", payment.CustomerPhone)
	}
}

func TestFinalizeIsAtomicOnInsufficientStock(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	pad := mustCreateProduct(t, repo, domain.Product{
		Name: "Brake Pad", Brand: "Honda", Model: "Activa",
		PartNumber: "BP-HON-ACT", Price: decimal.NewFromInt(350), Quantity: 10,
	})
	plug := mustCreateProduct(t, repo, domain.Product{
		Name: "Spark Plug", Brand: "Bajaj", Model: "Pulsar",
		PartNumber: "SP-BAJ-PUL", Price: decimal.NewFromInt(180), Quantity: 2,
	})

	draft, err := svc.SaveBill(ctx, draftRequest("9000000003", []domain.BillItemInput{
		{PartNumber: "BP-HON-ACT", Price: decimal.NewFromInt(350), Quantity: 1},
		{PartNumber: "SP-BAJ-PUL", Price: decimal.NewFromInt(180), Quantity: 5},
	}, 1250))
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}

	if _, err := svc.Finalize(ctx, draft.ID, domain.PaymentMethodCash); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// First item's stock must be untouched even though it was checked first.
	afterPad, _ := repo.GetProductByID(ctx, pad.ID)
	if afterPad.Quantity != 10 {
		t.Fatalf("expected pad stock 10 after failed finalize, got %d", afterPad.Quantity)
	}
	afterPlug, _ := repo.GetProductByID(ctx, plug.ID)
	if afterPlug.Quantity != 2 {
		t.Fatalf("expected plug stock 2 after failed finalize, got %d", afterPlug.Quantity)
	}

	still, err := svc.GetDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("expected draft to survive failed finalize: %v", err)
	}
	if !still.IsDraft() {
		t.Fatalf("expected bill still draft, got %s", still.State)
	}

	payments, _ := svc.ListPayments(ctx)
	if len(payments) != 0 {
		t.Fatalf("expected no payments after failed finalize, got %d", len(payments))
	}
}

func TestFinalizeUnresolvedItemFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.SaveBill(ctx, draftRequest("9000000004", []domain.BillItemInput{
		{PartNumber: "NO-SUCH-PART", Price: decimal.NewFromInt(100), Quantity: 1},
	}, 100))
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}

	if _, err := svc.Finalize(ctx, draft.ID, domain.PaymentMethodCash); !errors.Is(err, resolver.ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if _, err := svc.GetDraft(ctx, draft.ID); err != nil {
		t.Fatalf("expected draft intact after failed resolve: %v", err)
	}
}

func TestFinalizeRejectsBadPaymentMethod(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Finalize(context.Background(), "bill-whatever", "Card"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for unsupported method, got %v", err)
	}
}

func TestFinalizeTwiceFailsWithInvalidState(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	mustCreateProduct(t, repo, domain.Product{
		Name: "Air Filter", Brand: "TVS", Model: "Jupiter",
		PartNumber: "AF-TVS-JUP", Price: decimal.NewFromInt(220), Quantity: 4,
	})

	draft, err := svc.SaveBill(ctx, draftRequest("9000000005", []domain.BillItemInput{
		{PartNumber: "AF-TVS-JUP", Price: decimal.NewFromInt(220), Quantity: 1},
	}, 220))
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := svc.Finalize(ctx, draft.ID, domain.PaymentMethodCash); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if _, err := svc.Finalize(ctx, draft.ID, domain.PaymentMethodCash); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second finalize, got %v", err)
	}
}

func TestCustomerLatestBillingDateOnlyMovesForward(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	mustCreateProduct(t, repo, domain.Product{
		Name: "Mirror Set", Brand: "TVS", Model: "Apache",
		PartNumber: "MS-TVS-APA", Price: decimal.NewFromInt(410), Quantity: 10,
	})

	newer := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	phone := "9000000006"

	first := draftRequest(phone, []domain.BillItemInput{
		{PartNumber: "MS-TVS-APA", Price: decimal.NewFromInt(410), Quantity: 1},
	}, 410)
	first.BillingDate = newer
	draft1, err := svc.SaveBill(ctx, first)
	if err != nil {
		t.Fatalf("save first draft: %v", err)
	}
	if _, err := svc.Finalize(ctx, draft1.ID, domain.PaymentMethodCash); err != nil {
		t.Fatalf("finalize first: %v", err)
	}

	second := draftRequest(phone, []domain.BillItemInput{
		{PartNumber: "MS-TVS-APA", Price: decimal.NewFromInt(410), Quantity: 1},
	}, 410)
	second.CustomerName = "Someone Else"
	second.BillingDate = older
	draft2, err := svc.SaveBill(ctx, second)
	if err != nil {
		t.Fatalf("save second draft: %v", err)
	}
	if _, err := svc.Finalize(ctx, draft2.ID, domain.PaymentMethodUPI); err != nil {
		t.Fatalf("finalize second: %v", err)
	}

	customer, err := svc.GetCustomerByPhone(ctx, phone)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if !customer.LatestBillingDate.Equal(newer) {
		t.Fatalf("expected latest billing date %v to survive backdated bill, got %v", newer, customer.LatestBillingDate)
	}
	if customer.Name != "Ravi Kumar" {
		t.Fatalf("expected original customer name to be kept, got %q", customer.Name)
	}
}

func TestConcurrentFinalizeNeverOversells(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	oil := mustCreateProduct(t, repo, domain.Product{
		Name: "Engine Oil 1L", Brand: "Castrol", Model: "Activ",
		PartNumber: "EO-CAS-ACT", Price: decimal.NewFromInt(520), Quantity: 5,
	})

	makeDraft := func(phone string) string {
		draft, err := svc.SaveBill(ctx, draftRequest(phone, []domain.BillItemInput{
			{PartNumber: "EO-CAS-ACT", Price: decimal.NewFromInt(520), Quantity: 3},
		}, 1560))
		if err != nil {
			t.Fatalf("save draft: %v", err)
		}
		return draft.ID
	}
	ids := []string{makeDraft("9000000007"), makeDraft("9000000008")}

	results := make(chan error, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(billID string) {
			defer wg.Done()
			_, err := svc.Finalize(ctx, billID, domain.PaymentMethodCash)
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		failed++
		if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock on losing finalize, got %v", err)
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d failures", succeeded, failed)
	}

	after, _ := repo.GetProductByID(ctx, oil.ID)
	if after.Quantity != 2 {
		t.Fatalf("expected stock 2 after one winning finalize, got %d", after.Quantity)
	}
}

func TestSaveBillDirectFinalize(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	mustCreateProduct(t, repo, domain.Product{
		Name: "Headlight Bulb", Brand: "Honda", Model: "Shine",
		PartNumber: "HB-HON-SHI", Price: decimal.NewFromInt(260), Quantity: 3,
	})

	req := draftRequest("9000000009", []domain.BillItemInput{
		{PartNumber: "HB-HON-SHI", Price: decimal.NewFromInt(260), Quantity: 1},
	}, 260)
	req.IsDraft = false
	req.PaymentMethod = domain.PaymentMethodCash

	bill, err := svc.SaveBill(ctx, req)
	if err != nil {
		t.Fatalf("save finalized bill: %v", err)
	}
	if bill.State != domain.BillStateFinalized || bill.PaymentRef == "" {
		t.Fatalf("expected directly-finalized bill with payment ref, got %+v", bill)
	}
}
