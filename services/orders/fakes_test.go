package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// memoryStore is an in-memory OrderRepository and InventoryRepository.
// A transaction holds txMu from BeginTx until Commit or Rollback, so placements are serialized
// the way row locks serialize them in postgres. Writes are staged and applied on Commit only.
type memoryStore struct {
	txMu sync.Mutex

	mu     sync.RWMutex
	books  map[uuid.UUID]Book
	orders []Order

	// lockConflicts makes the next N calls to GetStockForUpdate fail with ErrConflict
	lockConflicts int
	failInsertAt  int
	pingErr       error
	commits       int
	rollbacks     int
}

func newMemoryStore(books ...Book) *memoryStore {
	s := &memoryStore{books: make(map[uuid.UUID]Book), failInsertAt: -1}
	for _, b := range books {
		s.books[b.ID] = b
	}
	return s
}

type memoryTx struct {
	store      *memoryStore
	done       bool
	decrements map[uuid.UUID]int
	order      *Order
	items      []OrderItem
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	defer t.store.txMu.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for id, n := range t.decrements {
		b := t.store.books[id]
		b.StockQuantity -= n
		t.store.books[id] = b
	}
	if t.order != nil {
		o := *t.order
		o.Items = append([]OrderItem(nil), t.items...)
		t.store.orders = append(t.store.orders, o)
	}
	t.store.commits++
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.rollbacks++
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

func (s *memoryStore) BeginTx(ctx context.Context) (Tx, error) {
	s.txMu.Lock()
	return &memoryTx{store: s, decrements: make(map[uuid.UUID]int)}, nil
}

func (s *memoryStore) GetStockForUpdate(ctx context.Context, tx Tx, bookIDs []uuid.UUID) (map[uuid.UUID]BookStock, error) {
	mtx := tx.(*memoryTx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockConflicts > 0 {
		s.lockConflicts--
		return nil, classifyError("lock books", &pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
	}

	snapshot := make(map[uuid.UUID]BookStock, len(bookIDs))
	for _, id := range bookIDs {
		b, ok := s.books[id]
		if !ok || b.Archived {
			continue
		}
		snapshot[id] = BookStock{ID: id, Price: b.Price, StockQuantity: b.StockQuantity - mtx.decrements[id]}
	}
	return snapshot, nil
}

func (s *memoryStore) DecrementStock(ctx context.Context, tx Tx, bookID uuid.UUID, amount int) (int64, error) {
	mtx := tx.(*memoryTx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[bookID]
	if !ok || b.StockQuantity-mtx.decrements[bookID] < amount {
		return 0, nil
	}
	mtx.decrements[bookID] += amount
	return 1, nil
}

func (s *memoryStore) InsertOrder(ctx context.Context, tx Tx, order *Order) error {
	mtx := tx.(*memoryTx)
	o := *order
	o.Items = nil
	mtx.order = &o
	return nil
}

func (s *memoryStore) InsertOrderItem(ctx context.Context, tx Tx, position int, item OrderItem) error {
	if position == s.failInsertAt {
		return classifyError("insert order item", errors.New("connection reset"))
	}
	mtx := tx.(*memoryTx)
	mtx.items = append(mtx.items, item)
	return nil
}

func (s *memoryStore) ListOrders(ctx context.Context, page Page) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := append([]Order(nil), s.orders...)
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID.String() > orders[j].ID.String()
	})
	return window(orders, page), nil
}

func (s *memoryStore) ListBooks(ctx context.Context, filter BookFilter) ([]Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	books := make([]Book, 0, len(s.books))
	for _, b := range s.books {
		if strings.HasPrefix(b.Title, filter.Title) && strings.HasPrefix(b.Author, filter.Author) {
			books = append(books, b)
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i].Title < books[j].Title })
	return window(books, filter.Page), nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	return s.pingErr
}

func (s *memoryStore) stockOf(id uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[id].StockQuantity
}

func (s *memoryStore) orderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func window[T any](all []T, page Page) []T {
	if page.Offset >= len(all) {
		return []T{}
	}
	end := min(page.Offset+page.Limit, len(all))
	return all[page.Offset:end]
}

// recordingPublisher captures published events and optionally fails
type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderPlacedEvent
	err    error
}

func (p *recordingPublisher) PublishOrderPlaced(ctx context.Context, event OrderPlacedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []OrderPlacedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderPlacedEvent(nil), p.events...)
}
