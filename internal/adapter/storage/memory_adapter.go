package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

type stockCell struct {
	mu        sync.Mutex
	level     int
	version   int
	updatedAt time.Time
}

// MemoryCatalog keeps the formulary and its stock in process. It serves as
// both the Catalog and the StockRepository; each product's stock has its own
// lock so decrements on different products never contend.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	cells    map[string]*stockCell
}

func NewMemoryCatalog(products ...domain.Product) *MemoryCatalog {
	c := &MemoryCatalog{
		products: make(map[string]domain.Product),
		cells:    make(map[string]*stockCell),
	}
	for _, p := range products {
		c.upsert(p)
	}
	return c
}

// UpsertProduct adds or replaces a product; its StockLevel seeds the ledger.
func (c *MemoryCatalog) UpsertProduct(_ context.Context, p domain.Product) error {
	c.upsert(p)
	return nil
}

func (c *MemoryCatalog) upsert(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
	if cell, ok := c.cells[p.ID]; ok {
		cell.mu.Lock()
		cell.level = p.StockLevel
		cell.version++
		cell.mu.Unlock()
		return
	}
	c.cells[p.ID] = &stockCell{level: p.StockLevel, updatedAt: time.Now()}
}

func (c *MemoryCatalog) Lookup(ctx context.Context, nameOrID string) (domain.Product, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range products {
		if sameProduct(p, nameOrID) {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("product %q: %w", nameOrID, domain.ErrNotFound)
}

func (c *MemoryCatalog) FuzzyLookup(ctx context.Context, text string) (domain.Product, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	p, err := matchProduct(products, text)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %q: %w", text, err)
	}
	return p, nil
}

func (c *MemoryCatalog) Products(ctx context.Context) ([]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	products := make([]domain.Product, 0, len(c.products))
	for id, p := range c.products {
		cell := c.cells[id]
		cell.mu.Lock()
		p.StockLevel = cell.level
		cell.mu.Unlock()
		products = append(products, p)
	}
	c.mu.RUnlock()

	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (c *MemoryCatalog) cell(productID string) (*stockCell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cell, ok := c.cells[productID]
	if !ok {
		return nil, fmt.Errorf("stock %q: %w", productID, domain.ErrNotFound)
	}
	return cell, nil
}

func (c *MemoryCatalog) GetStock(ctx context.Context, productID string) (domain.Stock, error) {
	if err := ctx.Err(); err != nil {
		return domain.Stock{}, err
	}
	cell, err := c.cell(productID)
	if err != nil {
		return domain.Stock{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return domain.Stock{
		ProductID: productID,
		Level:     cell.level,
		Version:   cell.version,
		UpdatedAt: cell.updatedAt,
	}, nil
}

func (c *MemoryCatalog) CompareAndSwap(ctx context.Context, productID string, expectedVersion, newLevel int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if newLevel < 0 {
		return false, fmt.Errorf("stock %q: negative level %d", productID, newLevel)
	}
	cell, err := c.cell(productID)
	if err != nil {
		return false, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.version != expectedVersion {
		return false, nil
	}
	cell.level = newLevel
	cell.version++
	cell.updatedAt = time.Now()
	return true, nil
}

func (c *MemoryCatalog) SetStock(ctx context.Context, productID string, level int) error {
	cell, err := c.cell(productID)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	cell.level = level
	cell.version++
	cell.updatedAt = time.Now()
	return nil
}

// MemoryHistory is an append-only purchase log kept sorted per pair.
type MemoryHistory struct {
	mu      sync.RWMutex
	records map[domain.PairKey][]domain.PurchaseRecord
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{records: make(map[domain.PairKey][]domain.PurchaseRecord)}
}

func (h *MemoryHistory) Append(ctx context.Context, rec domain.PurchaseRecord) error {
	if err := validatePurchase(rec); err != nil {
		return err
	}
	key := domain.PairKey{PatientID: rec.PatientID, ProductID: rec.ProductID}

	h.mu.Lock()
	defer h.mu.Unlock()
	recs := h.records[key]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].PurchaseDate.After(rec.PurchaseDate) })
	recs = append(recs, domain.PurchaseRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	h.records[key] = recs
	return nil
}

func (h *MemoryHistory) PurchasesFor(ctx context.Context, patientID, productID string) ([]domain.PurchaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	recs := h.records[domain.PairKey{PatientID: patientID, ProductID: productID}]
	return append([]domain.PurchaseRecord(nil), recs...), nil
}

func (h *MemoryHistory) Pairs(ctx context.Context) ([]domain.PairKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	pairs := make([]domain.PairKey, 0, len(h.records))
	for k := range h.records {
		pairs = append(pairs, k)
	}
	h.mu.RUnlock()
	sortPairs(pairs)
	return pairs, nil
}

func validatePurchase(rec domain.PurchaseRecord) error {
	switch {
	case rec.PatientID == "" || rec.ProductID == "":
		return fmt.Errorf("purchase: patient and product are required")
	case rec.Quantity <= 0:
		return fmt.Errorf("purchase: quantity must be positive, got %d", rec.Quantity)
	case rec.PurchaseDate.IsZero():
		return fmt.Errorf("purchase: date is required")
	}
	return nil
}

func sortPairs(pairs []domain.PairKey) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].PatientID != pairs[j].PatientID {
			return pairs[i].PatientID < pairs[j].PatientID
		}
		return pairs[i].ProductID < pairs[j].ProductID
	})
}

type MemoryWorkflowStore struct {
	mu     sync.RWMutex
	states map[string]domain.WorkflowState
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{states: make(map[string]domain.WorkflowState)}
}

func (s *MemoryWorkflowStore) Save(ctx context.Context, state domain.WorkflowState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ThreadID] = state.Clone()
	return nil
}

func (s *MemoryWorkflowStore) Load(ctx context.Context, threadID string) (domain.WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkflowState{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[threadID]
	if !ok {
		return domain.WorkflowState{}, fmt.Errorf("workflow %q: %w", threadID, domain.ErrNotFound)
	}
	return state.Clone(), nil
}

type memoryLock struct {
	token   uint64
	expires time.Time
}

// MemoryLocker is a process-local Locker with lease expiry.
type MemoryLocker struct {
	mu    sync.Mutex
	seq   uint64
	locks map[string]memoryLock
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if held, ok := l.locks[key]; ok && now.Before(held.expires) {
		return nil, fmt.Errorf("lock %q: %w", key, domain.ErrDuplicateRequest)
	}
	l.seq++
	token := l.seq
	l.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}

	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.locks[key]; ok && held.token == token {
			delete(l.locks, key)
		}
		return nil
	}, nil
}
