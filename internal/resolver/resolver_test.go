package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"motoparts/backend/internal/domain"
	"motoparts/backend/internal/store"
	"motoparts/backend/internal/xid"
)

type fakeFinder struct {
	byID     map[string]domain.Product
	byPart   map[string]domain.Product
	byCustom map[string]domain.Product
	byTriple map[string]domain.Product
}

func tripleKey(name, brand, model string) string {
	return name + "|" + brand + "|" + model
}

func (f *fakeFinder) FindByID(_ context.Context, id string) (*domain.Product, error) {
	if p, ok := f.byID[id]; ok {
		return &p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeFinder) FindByPartNumber(_ context.Context, partNumber string) (*domain.Product, error) {
	if p, ok := f.byPart[partNumber]; ok {
		return &p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeFinder) FindByCustomID(_ context.Context, customID string) (*domain.Product, error) {
	if p, ok := f.byCustom[customID]; ok {
		return &p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeFinder) FindByNameBrandModel(_ context.Context, name, brand, model string) (*domain.Product, error) {
	if p, ok := f.byTriple[tripleKey(name, brand, model)]; ok {
		return &p, nil
	}
	return nil, store.ErrNotFound
}

func newFakeFinder() (*fakeFinder, domain.Product, domain.Product) {
	clutch := domain.Product{
		ID:         xid.New("prod"),
		Name:       "Clutch Plate",
		Brand:      "Hero",
		Model:      "Splendor",
		PartNumber: "CP-200",
		Price:      decimal.NewFromInt(450),
		Quantity:   10,
	}
	brake := domain.Product{
		ID:              xid.New("prod"),
		Name:            "Brake Pad",
		Brand:           "Honda",
		Model:           "Activa",
		PartNumber:      "X9",
		CustomProductID: "LEGACY-17",
		Price:           decimal.NewFromInt(300),
		Quantity:        5,
	}

	f := &fakeFinder{
		byID:     map[string]domain.Product{clutch.ID: clutch, brake.ID: brake},
		byPart:   map[string]domain.Product{clutch.PartNumber: clutch, brake.PartNumber: brake},
		byCustom: map[string]domain.Product{brake.CustomProductID: brake},
		byTriple: map[string]domain.Product{
			tripleKey(clutch.Name, clutch.Brand, clutch.Model): clutch,
			tripleKey(brake.Name, brake.Brand, brake.Model):    brake,
		},
	}
	return f, clutch, brake
}

func TestResolveExplicitRefWinsOverPartNumber(t *testing.T) {
	finder, clutch, brake := newFakeFinder()

	// Part number X9 maps to a different product than the explicit ref.
	got, err := Resolve(context.Background(), finder, Descriptor{
		ProductRef: clutch.ID,
		PartNumber: brake.PartNumber,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != clutch.ID {
		t.Fatalf("expected explicit ref %s to win, got %s", clutch.ID, got.ID)
	}
}

func TestResolveDanglingExplicitRefIsHardError(t *testing.T) {
	finder, _, brake := newFakeFinder()

	_, err := Resolve(context.Background(), finder, Descriptor{
		ProductRef: xid.New("prod"),
		PartNumber: brake.PartNumber,
	})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved for dangling explicit ref, got %v", err)
	}
}

func TestResolveMalformedRefFallsThroughToPartNumber(t *testing.T) {
	finder, _, brake := newFakeFinder()

	got, err := Resolve(context.Background(), finder, Descriptor{
		ProductRef: "not-a-valid-id",
		PartNumber: brake.PartNumber,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != brake.ID {
		t.Fatalf("expected part-number match %s, got %s", brake.ID, got.ID)
	}
}

func TestResolveByCustomProductID(t *testing.T) {
	finder, _, brake := newFakeFinder()

	got, err := Resolve(context.Background(), finder, Descriptor{
		CustomProductID: "LEGACY-17",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != brake.ID {
		t.Fatalf("expected custom-id match %s, got %s", brake.ID, got.ID)
	}
}

func TestResolveByStructuredDescription(t *testing.T) {
	finder, clutch, _ := newFakeFinder()

	got, err := Resolve(context.Background(), finder, Descriptor{
		Description: "Clutch Plate (Hero) [Splendor] - friction set of 4",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != clutch.ID {
		t.Fatalf("expected description match %s, got %s", clutch.ID, got.ID)
	}
}

func TestResolvePartNumberBeatsDescription(t *testing.T) {
	finder, clutch, brake := newFakeFinder()

	got, err := Resolve(context.Background(), finder, Descriptor{
		PartNumber:  clutch.PartNumber,
		Description: "Brake Pad (Honda) [Activa]",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID == brake.ID {
		t.Fatalf("description should not have been consulted")
	}
	if got.ID != clutch.ID {
		t.Fatalf("expected part-number match %s, got %s", clutch.ID, got.ID)
	}
}

func TestResolveNoMatch(t *testing.T) {
	finder, _, _ := newFakeFinder()

	_, err := Resolve(context.Background(), finder, Descriptor{
		Description: "mystery item with no structure",
	})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

func TestParseDescription(t *testing.T) {
	cases := []struct {
		in                 string
		name, brand, model string
		ok                 bool
	}{
		{"Clutch Plate (Hero) [Splendor] - set of 4", "Clutch Plate", "Hero", "Splendor", true},
		{"Brake Pad (Honda) [Activa]", "Brake Pad", "Honda", "Activa", true},
		{"  Air Filter  ( TVS )  [ Jupiter ]  -  washable ", "Air Filter", "TVS", "Jupiter", true},
		{"just a plain name", "", "", "", false},
		{"Name (Brand only", "", "", "", false},
		{"", "", "", "", false},
	}

	for _, tc := range cases {
		name, brand, model, ok := ParseDescription(tc.in)
		if ok != tc.ok {
			t.Fatalf("%q: expected ok=%t, got %t", tc.in, tc.ok, ok)
		}
		if !ok {
			continue
		}
		if name != tc.name || brand != tc.brand || model != tc.model {
			t.Fatalf("%q: got (%q,%q,%q)", tc.in, name, brand, model)
		}
	}
}

func TestDescriptorLabel(t *testing.T) {
	desc := Descriptor{PartNumber: "CP-200"}
	if desc.Label() != "CP-200" {
		t.Fatalf("expected part number label, got %q", desc.Label())
	}
	desc.Description = "Clutch Plate (Hero) [Splendor]"
	if desc.Label() != "Clutch Plate (Hero) [Splendor]" {
		t.Fatalf("expected description label, got %q", desc.Label())
	}
}
