package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
)

var errStoreDown = errors.New("connection refused")

// Mock InventoryRepository for testing，以互斥锁模拟数据库的条件更新
type mockInventoryRepository struct {
	mu           sync.Mutex
	records      map[string]*domain.InventoryRecord
	reservations map[string]*domain.Reservation

	getErr    error
	applyErr  error
	conflicts int // 强制制造的版本冲突次数
	applied   int
}

func newMockInventoryRepository() *mockInventoryRepository {
	return &mockInventoryRepository{
		records:      make(map[string]*domain.InventoryRecord),
		reservations: make(map[string]*domain.Reservation),
	}
}

func reservationKey(orderID, productID string) string {
	return orderID + "/" + productID
}

// seed 直接写入库存记录，initial 为当前实物数量
func (m *mockInventoryRepository) seed(productID string, onHand, reserved int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[productID] = &domain.InventoryRecord{
		ProductID:        productID,
		QtyOnHand:        onHand,
		QtyReserved:      reserved,
		InitialQtyOnHand: onHand,
	}
}

func (m *mockInventoryRepository) seedReservation(orderID, productID string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[reservationKey(orderID, productID)] = &domain.Reservation{
		OrderID: orderID, ProductID: productID, Quantity: qty,
	}
}

func (m *mockInventoryRepository) get(productID string) domain.InventoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[productID]
}

func (m *mockInventoryRepository) reservation(orderID, productID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reservations[reservationKey(orderID, productID)]; ok {
		return r.Quantity
	}
	return -1
}

func (m *mockInventoryRepository) Create(_ context.Context, rec *domain.InventoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ProductID]; exists {
		return domain.ErrInventoryExists
	}
	rec.InitialQtyOnHand = rec.QtyOnHand
	cp := *rec
	m.records[rec.ProductID] = &cp
	return nil
}

func (m *mockInventoryRepository) GetByProductID(_ context.Context, productID string) (*domain.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, exists := m.records[productID]
	if !exists {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *mockInventoryRepository) GetByProductIDs(_ context.Context, productIDs []string) ([]*domain.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var result []*domain.InventoryRecord
	for _, id := range productIDs {
		if rec, exists := m.records[id]; exists {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockInventoryRepository) ApplyChange(_ context.Context, change *domain.LedgerChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	rec, exists := m.records[change.ProductID]
	if !exists {
		return domain.ErrConcurrentModification
	}
	if m.conflicts > 0 {
		m.conflicts--
		rec.Version++
		return domain.ErrConcurrentModification
	}
	if rec.Version != change.ExpectedVersion ||
		rec.QtyOnHand+change.OnHandDelta < 0 ||
		rec.QtyReserved+change.ReservedDelta < 0 {
		return domain.ErrConcurrentModification
	}

	rec.QtyOnHand += change.OnHandDelta
	rec.QtyReserved += change.ReservedDelta
	rec.Version++
	rec.UpdatedAt = time.Now()

	if change.OrderID != "" && change.ReservationDelta != 0 {
		key := reservationKey(change.OrderID, change.ProductID)
		res, ok := m.reservations[key]
		if !ok {
			res = &domain.Reservation{OrderID: change.OrderID, ProductID: change.ProductID}
			m.reservations[key] = res
		}
		res.Quantity = max(0, res.Quantity+change.ReservationDelta)
		res.UpdatedAt = time.Now()
	}
	m.applied++
	return nil
}

func (m *mockInventoryRepository) GetReservation(_ context.Context, orderID, productID string) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationKey(orderID, productID)]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (m *mockInventoryRepository) ListReservationsByOrder(_ context.Context, orderID string) ([]*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.Reservation
	for _, res := range m.reservations {
		if res.OrderID == orderID {
			cp := *res
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Mock ProductRepository for testing
type mockProductRepository struct {
	products map[string]*domain.Product
	err      error
}

func newMockProductRepository() *mockProductRepository {
	return &mockProductRepository{products: make(map[string]*domain.Product)}
}

func (m *mockProductRepository) add(id, availability string) {
	m.products[id] = &domain.Product{ID: id, Name: id, SKU: id, Availability: availability, Status: domain.ProductStatusActive}
}

func (m *mockProductRepository) GetByID(_ context.Context, id string) (*domain.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (m *mockProductRepository) GetByIDs(_ context.Context, ids []string) ([]*domain.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	var result []*domain.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

// Mock OrderRepository for testing
type mockOrderRepository struct {
	mu      sync.Mutex
	flagged map[string]bool
	err     error
}

func newMockOrderRepository() *mockOrderRepository {
	return &mockOrderRepository{flagged: make(map[string]bool)}
}

func (m *mockOrderRepository) MarkNeedsStockConfirmation(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.flagged[orderID] = true
	return nil
}

func (m *mockOrderRepository) isFlagged(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flagged[orderID]
}

// Mock MovementRepository for testing
type mockMovementRepository struct {
	mu        sync.Mutex
	movements map[string]*domain.MovementRecord
	order     []string
	failures  int // 接下来失败的追加次数，<0 表示一直失败
}

func newMockMovementRepository() *mockMovementRepository {
	return &mockMovementRepository{movements: make(map[string]*domain.MovementRecord)}
}

func (m *mockMovementRepository) setFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *mockMovementRepository) Append(_ context.Context, mv *domain.MovementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		return errStoreDown
	}
	if _, exists := m.movements[mv.ID]; exists {
		return nil
	}
	m.movements[mv.ID] = mv
	m.order = append(m.order, mv.ID)
	return nil
}

func (m *mockMovementRepository) SumDeltaByProduct(_ context.Context, productID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, mv := range m.movements {
		if mv.ProductID == productID {
			sum += mv.DeltaQty
		}
	}
	return sum, nil
}

func (m *mockMovementRepository) ListByProduct(_ context.Context, productID string, _ int) ([]*domain.MovementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.MovementRecord
	for i := len(m.order) - 1; i >= 0; i-- {
		if mv := m.movements[m.order[i]]; mv.ProductID == productID {
			result = append(result, mv)
		}
	}
	return result, nil
}

func (m *mockMovementRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.movements)
}

// Mock MovementSpool for testing
type mockSpool struct {
	mu    sync.Mutex
	items []*domain.MovementRecord
	err   error
}

func (m *mockSpool) Enqueue(_ context.Context, mv *domain.MovementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, mv)
	return nil
}
