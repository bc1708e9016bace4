package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/orderflow/internal/core/domain"
)

// PostgresAdapter is the order store used when ORDER_STORE_DRIVER=postgres.
type PostgresAdapter struct {
	db *pgxpool.Pool
}

func NewPostgresAdapter(db *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{db: db}
}

func (p *PostgresAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `insert into orders(id,user_id,status,total,correlation_id,created_at,updated_at) values ($1,$2,$3,$4,$5,$6,$7)`,
		order.ID, order.UserID, string(order.Status), order.Total, order.CorrelationID, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, it := range order.Items {
		batch.Queue(`insert into order_items(order_id,line_no,product_id,quantity,unit_price) values ($1,$2,$3,$4,$5)`,
			order.ID, i, it.ProductID, it.Quantity, it.UnitPrice)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *PostgresAdapter) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var o domain.Order
	var status string
	err := p.db.QueryRow(ctx, `select id,user_id,status,total,correlation_id,created_at,updated_at from orders where id=$1`, orderID).
		Scan(&o.ID, &o.UserID, &status, &o.Total, &o.CorrelationID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}
	o.Status = domain.OrderStatus(status)

	items, err := p.loadItems(ctx, []string{orderID})
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items[orderID]
	return o, nil
}

func (p *PostgresAdapter) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	rows, err := p.db.Query(ctx, `select id,user_id,status,total,correlation_id,created_at,updated_at
		from orders where user_id=$1 order by created_at desc, id desc limit $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		var o domain.Order
		var status string
		err := row.Scan(&o.ID, &o.UserID, &status, &o.Total, &o.CorrelationID, &o.CreatedAt, &o.UpdatedAt)
		o.Status = domain.OrderStatus(status)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := p.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (p *PostgresAdapter) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) error {
	tag, err := p.db.Exec(ctx, `update orders set status=$3, updated_at=$4 where id=$1 and status=$2`,
		orderID, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRow(ctx, `select exists(select 1 from orders where id=$1)`, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("query order: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrOptimisticLock
}

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *PostgresAdapter) Close() error {
	p.db.Close()
	return nil
}

func (p *PostgresAdapter) loadItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	out := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}

	rows, err := p.db.Query(ctx, `select order_id,product_id,quantity,unit_price from order_items
		where order_id = any($1) order by order_id, line_no`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var it domain.OrderItem
		if err := rows.Scan(&orderID, &it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out[orderID] = append(out[orderID], it)
	}
	return out, rows.Err()
}
