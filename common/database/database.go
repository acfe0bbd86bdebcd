package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// pingTimeout 打开连接后的连通性检查上限
const pingTimeout = 10 * time.Second

// open 打开连接、设置连接池并确认可用
func open(driver, dsn string, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	return db, nil
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
