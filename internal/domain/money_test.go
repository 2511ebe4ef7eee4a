package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCountedCash(t *testing.T) {
	got := CountedCash([]DenominationCount{
		{Value: decimal.RequireFromString("100"), Count: 1},
		{Value: decimal.RequireFromString("50"), Count: 2},
		{Value: decimal.RequireFromString("0.25"), Count: 3},
	})
	if !got.Equal(decimal.RequireFromString("200.75")) {
		t.Fatalf("expected 200.75, got %s", got)
	}
}

func TestPrecisionChecks(t *testing.T) {
	if !FitsMoney(decimal.RequireFromString("12.34")) || FitsMoney(decimal.RequireFromString("12.345")) {
		t.Fatalf("money precision must be two places")
	}
	if !FitsQty(decimal.RequireFromString("0.125")) || FitsQty(decimal.RequireFromString("0.1255")) {
		t.Fatalf("quantity precision must be three places")
	}
}

func TestItemRefOrdering(t *testing.T) {
	extra := ItemRef{Type: ItemTypeExtra, ID: "z"}
	product := ItemRef{Type: ItemTypeProduct, ID: "a"}
	if !extra.Less(product) {
		t.Fatalf("expected type to order before id")
	}
	if product.Less(product) {
		t.Fatalf("ref must not be less than itself")
	}
}

func TestParseItemType(t *testing.T) {
	for raw, want := range map[string]ItemType{
		"product":     ItemTypeProduct,
		" Extra ":     ItemTypeExtra,
		"option_item": ItemTypeOptionItem,
		"OptionItem":  ItemTypeOptionItem,
	} {
		got, ok := ParseItemType(raw)
		if !ok || got != want {
			t.Fatalf("ParseItemType(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ParseItemType("combo"); ok {
		t.Fatalf("expected unknown type to be rejected")
	}
}

func TestOptionItemsAreNeverTracked(t *testing.T) {
	item := CatalogItem{Type: ItemTypeOptionItem, Tracked: true}
	if item.InventoryTracked() {
		t.Fatalf("option items must not be inventory tracked")
	}
}
