package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is a transaction scoped to a single order placement
type Tx interface {
	Commit() error
	Rollback() error
}

// InventoryRepository reads and decrements book stock
type InventoryRepository interface {
	// GetStockForUpdate returns the non-archived books among ids, locking their rows until tx ends.
	// Archived and unknown ids are absent from the result.
	GetStockForUpdate(ctx context.Context, tx Tx, bookIDs []uuid.UUID) (map[uuid.UUID]BookStock, error)

	// DecrementStock subtracts amount from the book's stock and returns the rows affected.
	// No row is touched when the stock would become negative.
	DecrementStock(ctx context.Context, tx Tx, bookID uuid.UUID, amount int) (int64, error)

	// ListBooks is the inventory read projection
	ListBooks(ctx context.Context, filter BookFilter) ([]Book, error)
}

// OrderRepository is the append-only order ledger
type OrderRepository interface {
	BeginTx(ctx context.Context) (Tx, error)
	InsertOrder(ctx context.Context, tx Tx, order *Order) error
	InsertOrderItem(ctx context.Context, tx Tx, position int, item OrderItem) error
	ListOrders(ctx context.Context, page Page) ([]Order, error)
	Ping(ctx context.Context) error
}

// PostgresTx implements Tx over pgx
type PostgresTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *PostgresTx) Commit() error {
	if err := t.tx.Commit(t.ctx); err != nil {
		return classifyError("commit", err)
	}
	return nil
}

// Rollback is detached from the request context so it still runs after a client disconnect
func (t *PostgresTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func pgTx(tx Tx) (pgx.Tx, error) {
	ptx, ok := tx.(*PostgresTx)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported transaction type %T", ErrPersistence, tx)
	}
	return ptx.tx, nil
}

// SQLSTATE codes that mean the transaction lost a race and may be retried
var conflictCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

// classifyError wraps a store error as ErrConflict or ErrPersistence
func classifyError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := conflictCodes[pgErr.Code]; ok {
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// PostgresOrderRepository implements OrderRepository using PostgreSQL
type PostgresOrderRepository struct {
	db *pgxpool.Pool
}

func NewOrderRepository(db *pgxpool.Pool) OrderRepository {
	return &PostgresOrderRepository{db: db}
}

// BeginTx starts a READ COMMITTED transaction; row locks taken by the inventory read serialize writers
func (r *PostgresOrderRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classifyError("begin transaction", err)
	}
	return &PostgresTx{ctx: ctx, tx: tx}, nil
}

func (r *PostgresOrderRepository) InsertOrder(ctx context.Context, tx Tx, order *Order) error {
	ptx, err := pgTx(tx)
	if err != nil {
		return err
	}

	_, err = ptx.Exec(ctx, `
		INSERT INTO orders (id, created_at, total_price)
		VALUES ($1, $2, $3)
	`, order.ID.String(), order.CreatedAt, order.TotalPrice)
	if err != nil {
		return classifyError("insert order", err)
	}
	return nil
}

func (r *PostgresOrderRepository) InsertOrderItem(ctx context.Context, tx Tx, position int, item OrderItem) error {
	ptx, err := pgTx(tx)
	if err != nil {
		return err
	}

	_, err = ptx.Exec(ctx, `
		INSERT INTO order_items (id, order_id, book_id, line_no, price, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID.String(), item.OrderID.String(), item.BookID.String(), position, item.Price, item.Amount)
	if err != nil {
		return classifyError("insert order item", err)
	}
	return nil
}

// ListOrders returns a page of orders, newest first, each with its items in placement order
func (r *PostgresOrderRepository) ListOrders(ctx context.Context, page Page) ([]Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, created_at, total_price
		FROM orders
		ORDER BY created_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`, page.Offset, page.Limit)
	if err != nil {
		return nil, classifyError("query orders", err)
	}

	orders := make([]Order, 0, page.Limit)
	index := make(map[uuid.UUID]int)
	ids := make([]string, 0, page.Limit)
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.CreatedAt, &o.TotalPrice); err != nil {
			rows.Close()
			return nil, classifyError("scan order", err)
		}
		o.Items = []OrderItem{}
		index[o.ID] = len(orders)
		ids = append(ids, o.ID.String())
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate orders", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	itemRows, err := r.db.Query(ctx, `
		SELECT i.id, i.order_id, i.book_id, b.title, b.author, b.publication_date, i.price, i.amount
		FROM order_items i
		JOIN books b ON b.id = i.book_id
		WHERE i.order_id = ANY($1::uuid[])
		ORDER BY i.order_id, i.line_no
	`, ids)
	if err != nil {
		return nil, classifyError("query order items", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var it OrderItem
		if err := itemRows.Scan(
			&it.ID,
			&it.OrderID,
			&it.BookID,
			&it.BookTitle,
			&it.BookAuthor,
			&it.BookPublicationDate,
			&it.Price,
			&it.Amount,
		); err != nil {
			return nil, classifyError("scan order item", err)
		}
		i := index[it.OrderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	if err := itemRows.Err(); err != nil {
		return nil, classifyError("iterate order items", err)
	}

	return orders, nil
}

func (r *PostgresOrderRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// PostgresInventoryRepository implements InventoryRepository using PostgreSQL
type PostgresInventoryRepository struct {
	db *pgxpool.Pool
}

func NewInventoryRepository(db *pgxpool.Pool) InventoryRepository {
	return &PostgresInventoryRepository{db: db}
}

// GetStockForUpdate locks rows in id order so overlapping orders cannot deadlock each other
func (r *PostgresInventoryRepository) GetStockForUpdate(ctx context.Context, tx Tx, bookIDs []uuid.UUID) (map[uuid.UUID]BookStock, error) {
	ptx, err := pgTx(tx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(bookIDs))
	for i, id := range bookIDs {
		ids[i] = id.String()
	}

	rows, err := ptx.Query(ctx, `
		SELECT id, price, stock_quantity
		FROM books
		WHERE archived IS FALSE
		AND id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, classifyError("lock books", err)
	}
	defer rows.Close()

	snapshot := make(map[uuid.UUID]BookStock, len(bookIDs))
	for rows.Next() {
		var s BookStock
		if err := rows.Scan(&s.ID, &s.Price, &s.StockQuantity); err != nil {
			return nil, classifyError("scan book stock", err)
		}
		snapshot[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("lock books", err)
	}

	return snapshot, nil
}

func (r *PostgresInventoryRepository) DecrementStock(ctx context.Context, tx Tx, bookID uuid.UUID, amount int) (int64, error) {
	ptx, err := pgTx(tx)
	if err != nil {
		return 0, err
	}

	tag, err := ptx.Exec(ctx, `
		UPDATE books
		SET stock_quantity = stock_quantity - $1
		WHERE id = $2
		AND stock_quantity >= $1
	`, amount, bookID.String())
	if err != nil {
		return 0, classifyError("decrement stock", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresInventoryRepository) ListBooks(ctx context.Context, filter BookFilter) ([]Book, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, title, author, publication_date, stock_quantity, price, archived
		FROM books
		WHERE title LIKE $1 AND author LIKE $2
		ORDER BY title, id
		OFFSET $3 LIMIT $4
	`, likePrefix(filter.Title), likePrefix(filter.Author), filter.Offset, filter.Limit)
	if err != nil {
		return nil, classifyError("query books", err)
	}
	defer rows.Close()

	books := make([]Book, 0, filter.Limit)
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.PublicationDate, &b.StockQuantity, &b.Price, &b.Archived); err != nil {
			return nil, classifyError("scan book", err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate books", err)
	}
	return books, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix turns user input into a LIKE prefix pattern matching it literally
func likePrefix(s string) string {
	return likeEscaper.Replace(s) + "%"
}
