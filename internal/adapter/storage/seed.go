package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

const seedDateLayout = "2006-01-02"

type seedProduct struct {
	ID                   string `yaml:"id"`
	Name                 string `yaml:"name"`
	PZN                  string `yaml:"pzn,omitempty"`
	Price                string `yaml:"price,omitempty"`
	PackageSize          string `yaml:"package_size"`
	PrescriptionRequired bool   `yaml:"prescription_required"`
	StockLevel           int    `yaml:"stock_level"`
}

type seedPurchase struct {
	PatientID       string `yaml:"patient_id"`
	ProductID       string `yaml:"product_id"`
	PurchaseDate    string `yaml:"purchase_date"`
	Quantity        int    `yaml:"quantity"`
	DosageFrequency string `yaml:"dosage_frequency"`
}

type seedFile struct {
	Products  []seedProduct  `yaml:"products"`
	Purchases []seedPurchase `yaml:"purchases"`
}

// Seed is a formulary plus purchase history used to bootstrap a backend.
type Seed struct {
	Products  []domain.Product
	Purchases []domain.PurchaseRecord
}

// ProductWriter accepts seeded products; MemoryCatalog and MySQLAdapter implement it.
type ProductWriter interface {
	UpsertProduct(ctx context.Context, p domain.Product) error
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (Seed, error) {
	var raw seedFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Seed{}, fmt.Errorf("seed: parse: %w", err)
	}

	var seed Seed
	for _, p := range raw.Products {
		if p.ID == "" {
			p.ID = p.Name
		}
		price := decimal.Zero
		if p.Price != "" {
			var err error
			if price, err = decimal.NewFromString(p.Price); err != nil {
				return Seed{}, fmt.Errorf("seed: product %q price: %w", p.ID, err)
			}
		}
		if p.StockLevel < 0 {
			return Seed{}, fmt.Errorf("seed: product %q has negative stock", p.ID)
		}
		seed.Products = append(seed.Products, domain.Product{
			ID:                   p.ID,
			Name:                 p.Name,
			PZN:                  p.PZN,
			Price:                price,
			PackageSizeRaw:       p.PackageSize,
			PrescriptionRequired: p.PrescriptionRequired,
			StockLevel:           p.StockLevel,
		})
	}

	for i, r := range raw.Purchases {
		date, err := time.Parse(seedDateLayout, r.PurchaseDate)
		if err != nil {
			return Seed{}, fmt.Errorf("seed: purchase %d date: %w", i, err)
		}
		rec := domain.PurchaseRecord{
			PatientID:       r.PatientID,
			ProductID:       r.ProductID,
			PurchaseDate:    date,
			Quantity:        r.Quantity,
			DosageFrequency: r.DosageFrequency,
		}
		if err := validatePurchase(rec); err != nil {
			return Seed{}, fmt.Errorf("seed: purchase %d: %w", i, err)
		}
		seed.Purchases = append(seed.Purchases, rec)
	}
	return seed, nil
}

// Apply writes the seed's products and purchases.
func (s Seed) Apply(ctx context.Context, products ProductWriter, history interface {
	Append(ctx context.Context, rec domain.PurchaseRecord) error
}) error {
	for _, p := range s.Products {
		if err := products.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %q: %w", p.ID, err)
		}
	}
	for _, r := range s.Purchases {
		if err := history.Append(ctx, r); err != nil {
			return fmt.Errorf("seed purchase: %w", err)
		}
	}
	return nil
}
