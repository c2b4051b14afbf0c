package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	BillStateDraft     = "draft"
	BillStateFinalized = "finalized"
)

const (
	PaymentMethodCash = "Cash"
	PaymentMethodUPI  = "UPI"
)

// TotalEpsilon is the tolerance when comparing a submitted bill total
// against the sum recomputed from its line items.
var TotalEpsilon = decimal.New(1, -2)

// IsSupportedPaymentMethod reports whether method is one of the accepted
// payment journal methods.
func IsSupportedPaymentMethod(method string) bool {
	return method == PaymentMethodCash || method == PaymentMethodUPI
}

type Product struct {
	ID              string          `json:"id"`
	CustomProductID string          `json:"customProductId,omitempty"`
	PartNumber      string          `json:"partNumber,omitempty"`
	Name            string          `json:"name"`
	Brand           string          `json:"brand,omitempty"`
	Model           string          `json:"model,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int             `json:"quantity"`
}

// LineItem is owned by exactly one Bill. ProductRef is empty while the item
// is unresolved; drafts may carry unresolved items, finalized bills never do.
type LineItem struct {
	ProductRef      string          `json:"product,omitempty"`
	Description     string          `json:"nameDescription,omitempty"`
	PartNumber      string          `json:"partNumber,omitempty"`
	CustomProductID string          `json:"productId,omitempty"`
	UnitPrice       decimal.Decimal `json:"price"`
	Quantity        int             `json:"quantity"`
}

// Bill is a single entity with a tagged state. CustomerRef, PaymentRef and
// FinalizedAt are set if and only if State is finalized.
type Bill struct {
	ID            string          `json:"id"`
	CustomerName  string          `json:"customerName"`
	CustomerPhone string          `json:"customerPhoneNumber"`
	BillingDate   time.Time       `json:"billingDate"`
	Items         []LineItem      `json:"items"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	State         string          `json:"state"`
	CustomerRef   string          `json:"customerRef,omitempty"`
	PaymentRef    string          `json:"paymentRef,omitempty"`
	FinalizedAt   *time.Time      `json:"finalizedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (b Bill) IsDraft() bool {
	return b.State == BillStateDraft
}

// Customer is keyed by phone number; at most one record per phone.
// LatestBillingDate only ever moves forward in time.
type Customer struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Phone             string    `json:"phoneNumber"`
	LatestBillingDate time.Time `json:"latestBillingDate"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Payment is an append-only journal entry, exactly one per finalized bill.
// Customer name/phone, billing date and amount are denormalized onto it.
type Payment struct {
	ID            string          `json:"id"`
	BillRef       string          `json:"billingId"`
	CustomerRef   string          `json:"customerId"`
	CustomerName  string          `json:"customerName"`
	CustomerPhone string          `json:"customerPhoneNumber"`
	BillingDate   time.Time       `json:"billingDate"`
	Amount        decimal.Decimal `json:"totalAmount"`
	Method        string          `json:"paymentMethod"`
	PaymentDate   time.Time       `json:"paymentDate"`
}

type BillItemInput struct {
	Product         string          `json:"product,omitempty"`
	NameDescription string          `json:"nameDescription,omitempty"`
	PartNumber      string          `json:"partNumber,omitempty"`
	ProductID       string          `json:"productId,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int             `json:"quantity"`
}

type BillCreateRequest struct {
	CustomerName        string          `json:"customerName"`
	CustomerPhoneNumber string          `json:"customerPhoneNumber"`
	BillingDate         time.Time       `json:"billingDate"`
	Items               []BillItemInput `json:"items"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
	IsDraft             bool            `json:"isDraft"`
	PaymentMethod       string          `json:"paymentMethod,omitempty"`
}

type BillUpdateRequest struct {
	CustomerName        string          `json:"customerName"`
	CustomerPhoneNumber string          `json:"customerPhoneNumber"`
	BillingDate         time.Time       `json:"billingDate"`
	Items               []BillItemInput `json:"items"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
}

type FinalizeRequest struct {
	PaymentMethod string `json:"paymentMethod"`
}
