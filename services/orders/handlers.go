package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	requestIDHeader   = "X-Request-ID"
)

// OrderUseCaseInterface is what the HTTP layer needs from the use case
type OrderUseCaseInterface interface {
	PlaceOrder(ctx context.Context, lines []PlaceOrderLine) (*Order, error)
	ListOrders(ctx context.Context, page Page) ([]Order, error)
	ListBooks(ctx context.Context, filter BookFilter) ([]Book, error)
	Ping(ctx context.Context) error
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string `json:"error"`
	BookID string `json:"book_id,omitempty"`
}

type OrderHandler struct {
	useCase     OrderUseCaseInterface
	idempotency IdempotencyStore
	logger      *zap.Logger
}

// NewOrderHandler wires the handlers. idempotency may be nil.
func NewOrderHandler(useCase OrderUseCaseInterface, idempotency IdempotencyStore, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		useCase:     useCase,
		idempotency: idempotency,
		logger:      logger,
	}
}

// NewRouter builds the gin engine with all routes and middleware
func NewRouter(h *OrderHandler, logger *zap.Logger, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(requestLogger(logger))

	r.GET("/health", h.HealthCheck)
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/books", h.ListBooks)

	return r
}

// CreateOrder handles POST /orders with a JSON array of {book_id, amount}
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var lines []PlaceOrderLine
	if err := c.ShouldBindJSON(&lines); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	key := c.GetHeader(idempotencyHeader)
	var fingerprint string
	if key != "" && h.idempotency != nil {
		var err error
		fingerprint, err = requestFingerprint(lines)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
			return
		}

		ok, rec, err := h.idempotency.Reserve(c.Request.Context(), key, fingerprint)
		if err != nil {
			h.logger.Error("Idempotency store unavailable", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "idempotency store unavailable"})
			return
		}
		if !ok {
			switch {
			case rec.Fingerprint != fingerprint:
				c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "idempotency key was already used with a different request"})
			case rec.Pending():
				c.JSON(http.StatusConflict, ErrorResponse{Error: "a request with this idempotency key is in progress"})
			default:
				c.JSON(http.StatusOK, rec.OrderID)
			}
			return
		}
	} else {
		key = ""
	}

	order, err := h.useCase.PlaceOrder(c.Request.Context(), lines)
	if err != nil {
		if key != "" {
			h.settleKey(key, func(ctx context.Context) error { return h.idempotency.Release(ctx, key) })
		}
		writeError(c, err)
		return
	}

	if key != "" {
		h.settleKey(key, func(ctx context.Context) error {
			return h.idempotency.Complete(ctx, key, fingerprint, order.ID.String())
		})
	}

	c.JSON(http.StatusCreated, order.ID)
}

// settleKey runs detached from the request so a client disconnect cannot strand a reservation
func (h *OrderHandler) settleKey(key string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		h.logger.Warn("Failed to settle idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// ListOrders handles GET /orders?offset=&limit=
func (h *OrderHandler) ListOrders(c *gin.Context) {
	page, err := parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	orders, err := h.useCase.ListOrders(c.Request.Context(), page)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, orders)
}

// ListBooks handles GET /books?title=&author=&offset=&limit=
func (h *OrderHandler) ListBooks(c *gin.Context) {
	page, err := parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	books, err := h.useCase.ListBooks(c.Request.Context(), BookFilter{
		Title:  c.Query("title"),
		Author: c.Query("author"),
		Page:   page,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, books)
}

func (h *OrderHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.useCase.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// writeError maps the error taxonomy onto HTTP. Store errors are never echoed.
func writeError(c *gin.Context, err error) {
	var resp ErrorResponse
	var bookErr *BookError
	if errors.As(err, &bookErr) {
		resp.BookID = bookErr.BookID.String()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBookNotFound):
		status = http.StatusNotFound
		resp.Error = "book not found"
	case errors.Is(err, ErrInsufficientStock):
		status = http.StatusBadRequest
		resp.Error = "insufficient stock"
	case errors.Is(err, ErrInvalidOrder):
		status = http.StatusBadRequest
		if resp.BookID != "" {
			resp.Error = fmt.Sprintf("amount must be between 1 and %d", MaxLineAmount)
		} else {
			resp.Error = "order must contain at least one item"
		}
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		resp.Error = "order conflicted with a concurrent update, retry"
	default:
		resp = ErrorResponse{Error: "internal error"}
	}

	c.JSON(status, resp)
}

func parsePage(c *gin.Context) (Page, error) {
	page := Page{Offset: DefaultPageOffset, Limit: DefaultPageLimit}

	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return page, fmt.Errorf("offset must be a non-negative integer")
		}
		page.Offset = v
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return page, fmt.Errorf("limit must be a non-negative integer")
		}
		page.Limit = v
	}
	return page, nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)

		c.Next()

		logger.Info("HTTP request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
