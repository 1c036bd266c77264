// ABOUTME: SQLite persistence for orders, stage history and sent-alert markers
// ABOUTME: Stage changes are compare-and-set on the stored stage id

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/order-gateway/internal/cart"
)

const orderColumns = `id, number, store_id, customer_key, customer_name, delivery_option, address,
	payment_method, payment_ref, total, items_json, stage_id, stage_entered_at, cancelled,
	cancel_reason, created_at, updated_at`

// CreateOrder inserts an order and assigns the next store-scoped Number.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order *Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	if order.CurrentStage.EnteredAt.IsZero() {
		order.CurrentStage.EnteredAt = order.CreatedAt
	}

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encoding order items: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_counters (store_id, last_number) VALUES (?, 1)
		ON CONFLICT(store_id) DO UPDATE SET last_number = last_number + 1
	`, order.StoreID)
	if err != nil {
		return fmt.Errorf("incrementing order counter: %w", err)
	}

	var number int64
	if err := tx.QueryRowContext(ctx, `SELECT last_number FROM order_counters WHERE store_id = ?`, order.StoreID).Scan(&number); err != nil {
		return fmt.Errorf("reading order counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		order.ID,
		number,
		order.StoreID,
		order.CustomerKey,
		nullString(order.CustomerName),
		string(order.DeliveryOption),
		nullString(order.Address),
		nullString(order.PaymentMethod),
		nullString(order.PaymentRef),
		int64(order.Total),
		string(items),
		order.CurrentStage.StageID,
		formatTime(order.CurrentStage.EnteredAt),
		order.Cancelled,
		nullString(order.CancelReason),
		formatTime(order.CreatedAt),
		formatTime(order.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("inserting order %s: %w", order.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing order: %w", err)
	}

	order.Number = number
	s.logger.Debug("created order", "id", order.ID, "store", order.StoreID, "number", number)
	return nil
}

func scanOrder(row scanner) (*Order, error) {
	var o Order
	var customerName, address, paymentMethod, paymentRef, cancelReason sql.NullString
	var delivery, itemsJSON, enteredAtStr, createdAtStr, updatedAtStr string
	var total int64

	err := row.Scan(
		&o.ID, &o.Number, &o.StoreID, &o.CustomerKey, &customerName, &delivery, &address,
		&paymentMethod, &paymentRef, &total, &itemsJSON, &o.CurrentStage.StageID, &enteredAtStr,
		&o.Cancelled, &cancelReason, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	o.CustomerName = customerName.String
	o.Address = address.String
	o.PaymentMethod = paymentMethod.String
	o.PaymentRef = paymentRef.String
	o.CancelReason = cancelReason.String
	o.DeliveryOption = DeliveryOption(delivery)
	o.Total = cart.Money(total)

	if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
		return nil, fmt.Errorf("decoding order items: %w", err)
	}
	if o.CurrentStage.EnteredAt, err = parseTime("stage_entered_at", enteredAtStr); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder retrieves an order with its stage history.
// Returns ErrNotFound if the order doesn't exist.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}

	history, err := s.stageHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	order.StageHistory = history
	return order, nil
}

func (s *SQLiteStore) stageHistory(ctx context.Context, orderID string) ([]StageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, entered_at, minutes_allotted, minutes_taken, actor, reason
		FROM stage_history
		WHERE order_id = ?
		ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("querying stage history: %w", err)
	}
	defer rows.Close()

	var history []StageEntry
	for rows.Next() {
		var e StageEntry
		var enteredAtStr string
		var actor, reason sql.NullString
		if err := rows.Scan(&e.StageID, &enteredAtStr, &e.MinutesAllotted, &e.MinutesTaken, &actor, &reason); err != nil {
			return nil, fmt.Errorf("scanning stage history row: %w", err)
		}
		if e.EnteredAt, err = parseTime("entered_at", enteredAtStr); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.Reason = reason.String
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stage history rows: %w", err)
	}
	return history, nil
}

// ListOrders returns orders newest first. Stage history is not loaded.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []any
	if filter.StoreID != "" {
		query += ` AND store_id = ?`
		args = append(args, filter.StoreID)
	}
	if filter.ActiveOnly {
		query += ` AND cancelled = 0 AND stage_id < 4`
	}
	query += ` ORDER BY created_at DESC, number DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order rows: %w", err)
	}
	return orders, nil
}

// ApplyTransition moves an order to update.To if it is still at
// update.FromStageID and appends update.Closed to its stage history, in one
// transaction. Returns ErrNotFound if the order doesn't exist and
// ErrStageConflict if it has moved.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, orderID string, update StageUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET stage_id = ?, stage_entered_at = ?, cancelled = ?, cancel_reason = ?, updated_at = ?
		WHERE id = ? AND stage_id = ? AND cancelled = 0
	`,
		update.To.StageID,
		formatTime(update.To.EnteredAt),
		update.Cancelled,
		nullString(update.CancelReason),
		formatTime(time.Now()),
		orderID,
		update.FromStageID,
	)
	if err != nil {
		return fmt.Errorf("updating order stage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected != 1 {
		var current int
		err = tx.QueryRowContext(ctx, `SELECT stage_id FROM orders WHERE id = ?`, orderID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading order stage: %w", err)
		}
		return fmt.Errorf("%w: order %s is at stage %d, expected %d", ErrStageConflict, orderID, current, update.FromStageID)
	}

	entry := update.Closed
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_history (order_id, seq, stage_id, entered_at, minutes_allotted, minutes_taken, actor, reason)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_history WHERE order_id = ?), ?, ?, ?, ?, ?, ?)
	`,
		orderID,
		orderID,
		entry.StageID,
		formatTime(entry.EnteredAt),
		entry.MinutesAllotted,
		entry.MinutesTaken,
		nullString(entry.Actor),
		nullString(entry.Reason),
	)
	if err != nil {
		return fmt.Errorf("appending stage history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing stage change: %w", err)
	}
	s.logger.Debug("order stage changed", "order_id", orderID, "from", update.FromStageID, "to", update.To.StageID)
	return nil
}

// MarkAlertSent records that an alert for (order, stage, kind) was dispatched.
// The boolean is false when it had already been recorded.
func (s *SQLiteStore) MarkAlertSent(ctx context.Context, orderID string, stageID int, kind string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts_sent (order_id, stage_id, kind, sent_at)
		VALUES (?, ?, ?, ?)
	`, orderID, stageID, kind, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("recording sent alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}
