package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleSeed = `
products:
  - id: P1
    name: Ramipril 5mg
    pzn: "00766794"
    price: "12.49"
    package_size: 30 st
    prescription_required: true
    stock_level: 5
  - name: Ibuprofen 400mg
    package_size: 20 st
    stock_level: 10
purchases:
  - patient_id: PAT001
    product_id: P1
    purchase_date: "2024-01-01"
    quantity: 1
    dosage_frequency: Once daily
  - patient_id: PAT001
    product_id: P1
    purchase_date: "2024-02-01"
    quantity: 1
    dosage_frequency: Once daily
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(sampleSeed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(seed.Products) != 2 || len(seed.Purchases) != 2 {
		t.Fatalf("unexpected seed sizes: %d products, %d purchases", len(seed.Products), len(seed.Purchases))
	}

	p := seed.Products[0]
	if p.PZN != "00766794" || p.Price.String() != "12.49" || !p.PrescriptionRequired {
		t.Errorf("unexpected product %+v", p)
	}
	if seed.Products[1].ID != "Ibuprofen 400mg" {
		t.Errorf("expected name as fallback id, got %q", seed.Products[1].ID)
	}
	if !seed.Purchases[1].PurchaseDate.Equal(mustDate("2024-02-01")) {
		t.Errorf("unexpected date %s", seed.Purchases[1].PurchaseDate)
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad price":      "products:\n  - id: P1\n    price: cheap\n",
		"negative stock": "products:\n  - id: P1\n    stock_level: -1\n",
		"bad date":       "purchases:\n  - patient_id: A\n    product_id: B\n    purchase_date: yesterday\n    quantity: 1\n",
		"zero quantity":  "purchases:\n  - patient_id: A\n    product_id: B\n    purchase_date: \"2024-01-01\"\n",
		"not yaml":       "products: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSeedAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(sampleSeed), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx := context.Background()
	catalog := NewMemoryCatalog()
	history := NewMemoryHistory()
	if err := seed.Apply(ctx, catalog, history); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stock, err := catalog.GetStock(ctx, "P1")
	if err != nil || stock.Level != 5 {
		t.Errorf("expected seeded stock 5, got %+v, %v", stock, err)
	}
	recs, _ := history.PurchasesFor(ctx, "PAT001", "P1")
	if len(recs) != 2 {
		t.Errorf("expected 2 purchases, got %d", len(recs))
	}
}
