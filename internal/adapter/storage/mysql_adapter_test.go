package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/pharmacy?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := MigrateMySQL(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedMySQLProduct(t *testing.T, adapter *MySQLAdapter, stock int) domain.Product {
	t.Helper()
	p := domain.Product{
		ID:             "test-" + uuid.NewString(),
		Name:           "Test Ramipril " + uuid.NewString()[:8],
		Price:          decimal.RequireFromString("12.49"),
		PackageSizeRaw: "30 st",
		StockLevel:     stock,
	}
	if err := adapter.UpsertProduct(context.Background(), p); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	return p
}

func TestMySQL_CatalogLookup(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	p := seedMySQLProduct(t, adapter, 5)
	defer db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, p.ID)

	got, err := adapter.Lookup(ctx, p.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != p.Name || !got.Price.Equal(p.Price) || got.StockLevel != 5 {
		t.Errorf("unexpected product %+v", got)
	}

	if _, err := adapter.Lookup(ctx, "missing-"+uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}

	// re-seeding metadata leaves stock alone
	p.StockLevel = 99
	if err := adapter.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stock, _ := adapter.GetStock(ctx, p.ID)
	if stock.Level != 5 {
		t.Errorf("expected stock 5, got %d", stock.Level)
	}
}

func TestMySQL_CompareAndSwap(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	p := seedMySQLProduct(t, adapter, 10)
	defer db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, p.ID)

	stock, err := adapter.GetStock(ctx, p.ID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}

	ok, err := adapter.CompareAndSwap(ctx, p.ID, stock.Version, 7)
	if err != nil || !ok {
		t.Fatalf("expected swap, got %v, %v", ok, err)
	}
	ok, err = adapter.CompareAndSwap(ctx, p.ID, stock.Version, 1)
	if err != nil || ok {
		t.Fatalf("expected stale swap to fail, got %v, %v", ok, err)
	}

	after, _ := adapter.GetStock(ctx, p.ID)
	if after.Level != 7 || after.Version != stock.Version+1 {
		t.Errorf("unexpected stock %+v", after)
	}
}

func TestMySQL_ConcurrentCAS(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	p := seedMySQLProduct(t, adapter, 10)
	defer db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, p.ID)

	stock, _ := adapter.GetStock(ctx, p.ID)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.CompareAndSwap(ctx, p.ID, stock.Version, stock.Level-1)
			if err != nil {
				t.Errorf("cas: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestMySQL_History(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	patient := "TEST-" + uuid.NewString()[:8]
	defer db.ExecContext(ctx, `DELETE FROM purchases WHERE patient_id = ?`, patient)

	for _, d := range []string{"2024-03-01", "2024-01-01"} {
		rec := domain.PurchaseRecord{PatientID: patient, ProductID: "P1", PurchaseDate: mustDate(d), Quantity: 1, DosageFrequency: "Once daily"}
		if err := adapter.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recs, err := adapter.PurchasesFor(ctx, patient, "P1")
	if err != nil {
		t.Fatalf("purchases: %v", err)
	}
	if len(recs) != 2 || !recs[0].PurchaseDate.Before(recs[1].PurchaseDate) {
		t.Errorf("expected 2 records in date order, got %+v", recs)
	}

	pairs, err := adapter.Pairs(ctx)
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	found := false
	for _, k := range pairs {
		if k.PatientID == patient && k.ProductID == "P1" {
			found = true
		}
	}
	if !found {
		t.Errorf("pair for %s missing", patient)
	}
}
