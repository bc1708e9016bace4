package storage

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id             VARCHAR(64)  NOT NULL PRIMARY KEY,
		user_id        VARCHAR(64)  NOT NULL,
		status         VARCHAR(16)  NOT NULL,
		total          BIGINT       NOT NULL,
		correlation_id VARCHAR(128) NOT NULL DEFAULT '',
		created_at     DATETIME(6)  NOT NULL,
		updated_at     DATETIME(6)  NOT NULL,
		INDEX idx_orders_user (user_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id   VARCHAR(64)  NOT NULL,
		line_no    INT          NOT NULL,
		product_id VARCHAR(128) NOT NULL,
		quantity   INT          NOT NULL,
		unit_price BIGINT       NOT NULL,
		PRIMARY KEY (order_id, line_no),
		CONSTRAINT fk_items_order FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
	)`,
}

var postgresSchema = []string{
	`create table if not exists orders(
		id text primary key,
		user_id text not null,
		status text not null,
		total bigint not null,
		correlation_id text not null default '',
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
	`create index if not exists idx_orders_user on orders(user_id, created_at desc)`,
	`create table if not exists order_items(
		order_id text not null references orders(id) on delete cascade,
		line_no int not null,
		product_id text not null,
		quantity int not null,
		unit_price bigint not null,
		primary key (order_id, line_no)
	)`,
}

func MigrateMySQL(ctx context.Context, db *sql.DB) error {
	for _, s := range mysqlSchema {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func MigratePostgres(ctx context.Context, db *pgxpool.Pool) error {
	for _, s := range postgresSchema {
		if _, err := db.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
