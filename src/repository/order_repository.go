package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"pumpengine/src/database"
	"pumpengine/src/model"
)

// OrderRepository handles read/write operations for orders and their audit logs.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main read/write database.
func NewOrderRepository() *OrderRepository {
	logger.WithField("component", "OrderRepository").
		Info("Creating new OrderRepository with MainDB")

	return &OrderRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// ---------------------------------------------------
// Order methods
// ---------------------------------------------------

// CreateWithAutoLog inserts a new order plus its first audit log row in
// one transaction. The order is updated with the generated ID.
func (r *OrderRepository) CreateWithAutoLog(
	ctx context.Context,
	order *model.Order,
	message string,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":            "OrderRepository",
		"op":              "CreateWithAutoLog",
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
		"order_type":      order.OrderType,
		"qty":             order.Quantity,
	}).Debug("Creating order with automatic audit log")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			logger.WithError(err).Error("Failed to create order inside transaction")
			return err
		}

		logEntry := &model.OrderLog{
			OrderID:   order.ID,
			Status:    order.Status,
			Message:   message,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(logEntry).Error; err != nil {
			logger.WithError(err).Error("Failed to create order audit log")
			return err
		}

		return nil
	})
}

// UpdateWithAutoLog persists the full order row and appends an audit log
// entry for the transition in one transaction.
func (r *OrderRepository) UpdateWithAutoLog(
	ctx context.Context,
	order *model.Order,
	message string,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":            "OrderRepository",
		"op":              "UpdateWithAutoLog",
		"client_order_id": order.ClientOrderID,
		"status":          order.Status,
	}).Debug("Updating order with automatic audit log")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(order).Error; err != nil {
			logger.WithError(err).Error("Failed to update order inside transaction")
			return err
		}

		logEntry := &model.OrderLog{
			OrderID:   order.ID,
			Status:    order.Status,
			Message:   message,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(logEntry).Error; err != nil {
			logger.WithError(err).Error("Failed to create order audit log on update")
			return err
		}

		return nil
	})
}

// FindByClientOrderID fetches an order by its client order id.
// Returns (nil, nil) if the order is not found.
func (r *OrderRepository) FindByClientOrderID(
	ctx context.Context,
	clientOrderID string,
) (*model.Order, error) {

	var order model.Order

	err := r.db.WithContext(ctx).
		Preload("Logs").
		Where("client_order_id = ?", clientOrderID).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":            "OrderRepository",
			"op":              "FindByClientOrderID",
			"client_order_id": clientOrderID,
		}).WithError(err).Error("Failed to fetch order by client order id")

		return nil, err
	}

	return &order, nil
}

// OrderSearchOptions narrows a Search call.
type OrderSearchOptions struct {
	SessionID     string
	Symbol        *string
	Status        *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Search returns orders for a session ordered newest first.
func (r *OrderRepository) Search(
	ctx context.Context,
	opts OrderSearchOptions,
) ([]model.Order, error) {

	query := r.db.WithContext(ctx).
		Where("session_id = ?", opts.SessionID)

	if opts.Symbol != nil {
		query = query.Where("symbol = ?", *opts.Symbol)
	}
	if opts.Status != nil {
		query = query.Where("status = ?", *opts.Status)
	}
	if opts.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *opts.CreatedAfter)
	}
	if opts.CreatedBefore != nil {
		query = query.Where("created_at <= ?", *opts.CreatedBefore)
	}

	query = query.Order("created_at DESC, id DESC")
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}

	var orders []model.Order
	if err := query.Find(&orders).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "OrderRepository",
			"op":         "Search",
			"session_id": opts.SessionID,
		}).WithError(err).Error("Failed to search orders")

		return nil, err
	}

	return orders, nil
}

// FindLogsByOrderID returns the audit trail for one order, oldest first.
func (r *OrderRepository) FindLogsByOrderID(
	ctx context.Context,
	orderID uint,
) ([]model.OrderLog, error) {

	var logs []model.OrderLog

	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&logs).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "FindLogsByOrderID",
			"order_id": orderID,
		}).WithError(err).Error("Failed to fetch order logs")

		return nil, err
	}

	return logs, nil
}
