package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

//go:embed migrations/mysql/*.sql
var mysqlMigrations embed.FS

// MigrateMySQL applies the embedded schema migrations.
func MigrateMySQL(db *sql.DB) error {
	src, err := iofs.New(mysqlMigrations, "migrations/mysql")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "mysql", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MySQLAdapter serves the formulary, the purchase history and the stock
// ledger from MySQL. Stock changes go through a version-checked UPDATE.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

const productCols = `id, name, pzn, price, package_size, prescription_required, stock`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.PZN, &p.Price, &p.PackageSizeRaw, &p.PrescriptionRequired, &p.StockLevel)
	return p, err
}

// UpsertProduct inserts a product with its initial stock, or refreshes the
// metadata of an existing one without touching stock.
func (m *MySQLAdapter) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, pzn, price, package_size, prescription_required, stock, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name), pzn = VALUES(pzn), price = VALUES(price),
			package_size = VALUES(package_size), prescription_required = VALUES(prescription_required),
			updated_at = NOW()`,
		p.ID, p.Name, p.PZN, p.Price, p.PackageSizeRaw, p.PrescriptionRequired, p.StockLevel,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Lookup(ctx context.Context, nameOrID string) (domain.Product, error) {
	p, err := scanProduct(m.db.QueryRowContext(ctx, `
		SELECT `+productCols+`
		FROM products WHERE id = ? OR LOWER(name) = LOWER(TRIM(?))
		ORDER BY id = ? DESC, id LIMIT 1`, nameOrID, nameOrID, nameOrID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("product %q: %w", nameOrID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (m *MySQLAdapter) FuzzyLookup(ctx context.Context, text string) (domain.Product, error) {
	products, err := m.Products(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	p, err := matchProduct(products, text)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %q: %w", text, err)
	}
	return p, nil
}

func (m *MySQLAdapter) Products(ctx context.Context) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+productCols+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (m *MySQLAdapter) GetStock(ctx context.Context, productID string) (domain.Stock, error) {
	stock := domain.Stock{ProductID: productID}
	err := m.db.QueryRowContext(ctx, `
		SELECT stock, version, updated_at FROM products WHERE id = ?`, productID,
	).Scan(&stock.Level, &stock.Version, &stock.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Stock{}, fmt.Errorf("stock %q: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Stock{}, fmt.Errorf("query stock: %w", err)
	}
	return stock, nil
}

func (m *MySQLAdapter) CompareAndSwap(ctx context.Context, productID string, expectedVersion, newLevel int) (bool, error) {
	if newLevel < 0 {
		return false, fmt.Errorf("stock %q: negative level %d", productID, newLevel)
	}
	result, err := m.db.ExecContext(ctx, `
		UPDATE products
		SET stock = ?, version = version + 1, updated_at = NOW()
		WHERE id = ? AND version = ?`,
		newLevel, productID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update stock: %w", err)
	}
	return rows == 1, nil
}

func (m *MySQLAdapter) SetStock(ctx context.Context, productID string, level int) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE products SET stock = ?, version = version + 1, updated_at = NOW()
		WHERE id = ?`, level, productID,
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("stock %q: %w", productID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) Append(ctx context.Context, rec domain.PurchaseRecord) error {
	if err := validatePurchase(rec); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO purchases (patient_id, product_id, purchase_date, quantity, dosage_frequency)
		VALUES (?, ?, ?, ?, ?)`,
		rec.PatientID, rec.ProductID, rec.PurchaseDate, rec.Quantity, rec.DosageFrequency,
	)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) PurchasesFor(ctx context.Context, patientID, productID string) ([]domain.PurchaseRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT patient_id, product_id, purchase_date, quantity, dosage_frequency
		FROM purchases WHERE patient_id = ? AND product_id = ?
		ORDER BY purchase_date, id`, patientID, productID,
	)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	var recs []domain.PurchaseRecord
	for rows.Next() {
		var r domain.PurchaseRecord
		if err := rows.Scan(&r.PatientID, &r.ProductID, &r.PurchaseDate, &r.Quantity, &r.DosageFrequency); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (m *MySQLAdapter) Pairs(ctx context.Context) ([]domain.PairKey, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT patient_id, product_id FROM purchases
		ORDER BY patient_id, product_id`)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()

	var pairs []domain.PairKey
	for rows.Next() {
		var k domain.PairKey
		if err := rows.Scan(&k.PatientID, &k.ProductID); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		pairs = append(pairs, k)
	}
	return pairs, rows.Err()
}
