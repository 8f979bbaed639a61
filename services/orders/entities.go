package main

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Book is a row of the inventory as exposed by the read path
type Book struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Title           string     `json:"title" db:"title"`
	Author          string     `json:"author" db:"author"`
	PublicationDate *time.Time `json:"publication_date,omitempty" db:"publication_date"`
	StockQuantity   int        `json:"stock_quantity" db:"stock_quantity"`
	Price           int64      `json:"price" db:"price"`
	Archived        bool       `json:"archived" db:"archived"`
}

// BookStock is the locked snapshot of an orderable book taken inside the placement transaction
type BookStock struct {
	ID            uuid.UUID
	Price         int64
	StockQuantity int
}

// Order is an immutable ledger entry. TotalPrice is fixed at creation.
type Order struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	TotalPrice int64       `json:"total_price" db:"total_price"`
	Items      []OrderItem `json:"items"`
}

// OrderItem records the unit price captured when the order was placed
type OrderItem struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	OrderID             uuid.UUID  `json:"-" db:"order_id"`
	BookID              uuid.UUID  `json:"book_id" db:"book_id"`
	BookTitle           string     `json:"book_title,omitempty" db:"book_title"`
	BookAuthor          string     `json:"book_author,omitempty" db:"book_author"`
	BookPublicationDate *time.Time `json:"book_publication_date,omitempty" db:"book_publication_date"`
	Price               int64      `json:"price" db:"price"`
	Amount              int        `json:"amount" db:"amount"`
}

// PlaceOrderLine is one requested line of a new order
type PlaceOrderLine struct {
	BookID uuid.UUID `json:"book_id" binding:"required"`
	Amount int       `json:"amount"`
}

// NewOrder builds an order from the requested lines priced against the snapshot.
// Every line must already be present in the snapshot.
func NewOrder(lines []PlaceOrderLine, snapshot map[uuid.UUID]BookStock) *Order {
	order := &Order{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Items:     make([]OrderItem, 0, len(lines)),
	}

	for _, line := range lines {
		stock := snapshot[line.BookID]
		order.Items = append(order.Items, OrderItem{
			ID:      uuid.New(),
			OrderID: order.ID,
			BookID:  line.BookID,
			Price:   stock.Price,
			Amount:  line.Amount,
		})
		order.TotalPrice += stock.Price * int64(line.Amount)
	}

	return order
}

// Page is an offset/limit window over a read projection
type Page struct {
	Offset int
	Limit  int
}

// MaxLineAmount is the largest amount a single order line may request; stock and amounts are 32-bit columns
const MaxLineAmount = math.MaxInt32

// Pagination defaults
const (
	DefaultPageOffset = 0
	DefaultPageLimit  = 100
)

// BookFilter narrows the inventory projection by title/author prefix
type BookFilter struct {
	Title  string
	Author string
	Page
}

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrPersistence       = errors.New("persistence failure")
)

// BookError ties a placement failure to the book that caused it
type BookError struct {
	BookID uuid.UUID
	Err    error
}

func (e *BookError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.BookID)
}

func (e *BookError) Unwrap() error {
	return e.Err
}

func newBookError(bookID uuid.UUID, err error) error {
	return &BookError{BookID: bookID, Err: err}
}
