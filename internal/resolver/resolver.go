package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"motoparts/backend/internal/domain"
	"motoparts/backend/internal/store"
	"motoparts/backend/internal/xid"
)

// ErrUnresolved is returned when a line item cannot be mapped to exactly one
// catalog product. The wrapped message carries the original descriptor so
// callers can surface which item failed.
var ErrUnresolved = errors.New("product could not be resolved")

// Descriptor is the loosely-specified identification a line item carries.
type Descriptor struct {
	ProductRef      string
	PartNumber      string
	CustomProductID string
	Description     string
}

// Label returns the human-facing name of the item for error messages.
func (d Descriptor) Label() string {
	if s := strings.TrimSpace(d.Description); s != "" {
		return s
	}
	if s := strings.TrimSpace(d.PartNumber); s != "" {
		return s
	}
	if s := strings.TrimSpace(d.CustomProductID); s != "" {
		return s
	}
	return strings.TrimSpace(d.ProductRef)
}

// FromLineItem builds a Descriptor from a bill line item.
func FromLineItem(item domain.LineItem) Descriptor {
	return Descriptor{
		ProductRef:      item.ProductRef,
		PartNumber:      item.PartNumber,
		CustomProductID: item.CustomProductID,
		Description:     item.Description,
	}
}

// ProductFinder is the catalog lookup surface the resolver runs against.
// Stores implement it both standalone and scoped to an open transaction, so
// resolution during finalize reads the transaction's own snapshot. When a
// lookup matches more than one product the finder returns the first match in
// deterministic store order.
type ProductFinder interface {
	FindByID(ctx context.Context, id string) (*domain.Product, error)
	FindByPartNumber(ctx context.Context, partNumber string) (*domain.Product, error)
	FindByCustomID(ctx context.Context, customID string) (*domain.Product, error)
	FindByNameBrandModel(ctx context.Context, name, brand, model string) (*domain.Product, error)
}

// A strategy inspects the descriptor and either resolves it (done=true),
// declines because its key is absent (done=false), or fails hard.
type strategy func(ctx context.Context, finder ProductFinder, desc Descriptor) (product *domain.Product, done bool, err error)

// Resolution order is fixed: explicit reference, part number, legacy custom
// product id, structured free text. First applicable strategy wins.
var pipeline = []strategy{
	byExplicitRef,
	byPartNumber,
	byCustomID,
	byDescription,
}

// Resolve maps a descriptor to exactly one catalog product, or fails with
// ErrUnresolved.
func Resolve(ctx context.Context, finder ProductFinder, desc Descriptor) (*domain.Product, error) {
	for _, try := range pipeline {
		product, done, err := try(ctx, finder, desc)
		if err != nil {
			return nil, err
		}
		if done {
			return product, nil
		}
	}
	return nil, fmt.Errorf("%w: item %q", ErrUnresolved, desc.Label())
}

// byExplicitRef handles a well-formed explicit product id. A dangling
// explicit reference is always an error; it never falls through to the
// other strategies. A malformed reference is ignored, as if absent.
func byExplicitRef(ctx context.Context, finder ProductFinder, desc Descriptor) (*domain.Product, bool, error) {
	ref := strings.TrimSpace(desc.ProductRef)
	if ref == "" || !xid.IsWellFormed(ref) {
		return nil, false, nil
	}

	product, err := finder.FindByID(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: product %s for item %q not found in inventory", ErrUnresolved, ref, desc.Label())
		}
		return nil, false, err
	}
	return product, true, nil
}

func byPartNumber(ctx context.Context, finder ProductFinder, desc Descriptor) (*domain.Product, bool, error) {
	partNumber := strings.TrimSpace(desc.PartNumber)
	if partNumber == "" {
		return nil, false, nil
	}

	product, err := finder.FindByPartNumber(ctx, partNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return product, true, nil
}

func byCustomID(ctx context.Context, finder ProductFinder, desc Descriptor) (*domain.Product, bool, error) {
	customID := strings.TrimSpace(desc.CustomProductID)
	if customID == "" {
		return nil, false, nil
	}

	product, err := finder.FindByCustomID(ctx, customID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return product, true, nil
}

func byDescription(ctx context.Context, finder ProductFinder, desc Descriptor) (*domain.Product, bool, error) {
	name, brand, model, ok := ParseDescription(desc.Description)
	if !ok {
		return nil, false, nil
	}

	product, err := finder.FindByNameBrandModel(ctx, name, brand, model)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return product, true, nil
}

// descriptionRe matches the structured item description the billing UI
// produces: `Name (Brand) [Model] - Description`. The trailing description
// is optional and ignored for lookup.
var descriptionRe = regexp.MustCompile(`^\s*(.+?)\s*\(([^)]*)\)\s*\[([^\]]*)\]\s*(?:-\s*.*)?$`)

// ParseDescription extracts the (name, brand, model) triple from a
// structured free-text description. ok is false when the text does not
// follow the structured form.
func ParseDescription(text string) (name, brand, model string, ok bool) {
	m := descriptionRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), strings.TrimSpace(m[3]), true
}
