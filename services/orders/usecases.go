package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OrderUseCase places orders against the shared inventory and serves the read path
type OrderUseCase struct {
	orders          OrderRepository
	inventory       InventoryRepository
	publisher       EventPublisher
	logger          *zap.Logger
	tracer          trace.Tracer
	metrics         *orderMetrics
	conflictRetries int
	maxPageLimit    int
}

type OrderUseCaseConfig struct {
	ConflictRetries int
	MaxPageLimit    int
}

func NewOrderUseCase(
	orders OrderRepository,
	inventory InventoryRepository,
	publisher EventPublisher,
	logger *zap.Logger,
	tracer trace.Tracer,
	metrics *orderMetrics,
	cfg OrderUseCaseConfig,
) *OrderUseCase {
	if cfg.MaxPageLimit <= 0 {
		cfg.MaxPageLimit = DefaultPageLimit
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	return &OrderUseCase{
		orders:          orders,
		inventory:       inventory,
		publisher:       publisher,
		logger:          logger,
		tracer:          tracer,
		metrics:         metrics,
		conflictRetries: cfg.ConflictRetries,
		maxPageLimit:    cfg.MaxPageLimit,
	}
}

// PlaceOrder validates every line against locked stock, records the order at snapshot prices
// and decrements stock in a single transaction. Either all of it commits or none of it does.
func (uc *OrderUseCase) PlaceOrder(ctx context.Context, lines []PlaceOrderLine) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "place_order")
	defer span.End()
	span.SetAttributes(attribute.Int("order.lines", len(lines)))

	start := time.Now()

	if err := validateLines(lines); err != nil {
		uc.reject(ctx, span, err, start)
		return nil, err
	}

	var (
		order *Order
		err   error
	)
	for attempt := 0; ; attempt++ {
		span.SetAttributes(attribute.Int("order.attempt", attempt+1))
		order, err = uc.placeOrderTx(ctx, lines)
		if err == nil || !errors.Is(err, ErrConflict) || attempt >= uc.conflictRetries || ctx.Err() != nil {
			break
		}
		uc.logger.Warn("Order placement conflicted, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err != nil {
		uc.reject(ctx, span, err, start)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.id", order.ID.String()),
		attribute.Int64("order.total_price", order.TotalPrice),
	)
	uc.metrics.recordPlaced(ctx, elapsedMillis(start))

	// the order is committed; a lost event must not fail it
	if err := uc.publisher.PublishOrderPlaced(ctx, NewOrderPlacedEvent(order)); err != nil {
		uc.logger.Error("Failed to publish order placed event",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}

	uc.logger.Info("Order placed",
		zap.String("order_id", order.ID.String()),
		zap.Int("items", len(order.Items)),
		zap.Int64("total_price", order.TotalPrice))

	return order, nil
}

func (uc *OrderUseCase) placeOrderTx(ctx context.Context, lines []PlaceOrderLine) (*Order, error) {
	tx, err := uc.orders.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	snapshot, err := uc.inventory.GetStockForUpdate(ctx, tx, distinctBookIDs(lines))
	if err != nil {
		return nil, err
	}

	if err := checkAvailability(lines, snapshot); err != nil {
		return nil, err
	}

	order := NewOrder(lines, snapshot)

	if err := uc.orders.InsertOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	for i, item := range order.Items {
		if err := uc.orders.InsertOrderItem(ctx, tx, i, item); err != nil {
			return nil, err
		}

		rows, err := uc.inventory.DecrementStock(ctx, tx, item.BookID, item.Amount)
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			return nil, newBookError(item.BookID, ErrInsufficientStock)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return order, nil
}

func (uc *OrderUseCase) reject(ctx context.Context, span trace.Span, err error, start time.Time) {
	reason := rejectionReason(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	uc.metrics.recordRejected(ctx, reason, elapsedMillis(start))

	switch reason {
	case "persistence":
		uc.logger.Error("Order placement failed", zap.Error(err))
	default:
		uc.logger.Warn("Order rejected", zap.String("reason", reason), zap.Error(err))
	}
}

// ListOrders returns a page of the ledger, newest first
func (uc *OrderUseCase) ListOrders(ctx context.Context, page Page) ([]Order, error) {
	ctx, span := uc.tracer.Start(ctx, "list_orders")
	defer span.End()

	page = uc.clampPage(page)
	span.SetAttributes(attribute.Int("page.offset", page.Offset), attribute.Int("page.limit", page.Limit))

	orders, err := uc.orders.ListOrders(ctx, page)
	if err != nil {
		span.RecordError(err)
		uc.logger.Error("Failed to list orders", zap.Error(err))
		return nil, err
	}
	return orders, nil
}

// ListBooks returns a page of the inventory
func (uc *OrderUseCase) ListBooks(ctx context.Context, filter BookFilter) ([]Book, error) {
	ctx, span := uc.tracer.Start(ctx, "list_books")
	defer span.End()

	filter.Page = uc.clampPage(filter.Page)

	books, err := uc.inventory.ListBooks(ctx, filter)
	if err != nil {
		span.RecordError(err)
		uc.logger.Error("Failed to list books", zap.Error(err))
		return nil, err
	}
	return books, nil
}

func (uc *OrderUseCase) Ping(ctx context.Context) error {
	return uc.orders.Ping(ctx)
}

func (uc *OrderUseCase) clampPage(page Page) Page {
	if page.Offset < 0 {
		page.Offset = DefaultPageOffset
	}
	if page.Limit <= 0 {
		page.Limit = DefaultPageLimit
	}
	if page.Limit > uc.maxPageLimit {
		page.Limit = uc.maxPageLimit
	}
	return page
}

func validateLines(lines []PlaceOrderLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalidOrder)
	}
	for _, line := range lines {
		if line.Amount <= 0 || line.Amount > MaxLineAmount {
			return newBookError(line.BookID, ErrInvalidOrder)
		}
	}
	return nil
}

// checkAvailability resolves lines in request order against the stock left by earlier lines,
// so a book requested on several lines must cover all of them.
func checkAvailability(lines []PlaceOrderLine, snapshot map[uuid.UUID]BookStock) error {
	remaining := make(map[uuid.UUID]int, len(snapshot))
	for id, stock := range snapshot {
		remaining[id] = stock.StockQuantity
	}

	for _, line := range lines {
		left, ok := remaining[line.BookID]
		if !ok {
			return newBookError(line.BookID, ErrBookNotFound)
		}
		if line.Amount > left {
			return newBookError(line.BookID, ErrInsufficientStock)
		}
		remaining[line.BookID] = left - line.Amount
	}
	return nil
}

func distinctBookIDs(lines []PlaceOrderLine) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(lines))
	ids := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.BookID]; ok {
			continue
		}
		seen[line.BookID] = struct{}{}
		ids = append(ids, line.BookID)
	}
	return ids
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrBookNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "persistence"
	}
}

func elapsedMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
