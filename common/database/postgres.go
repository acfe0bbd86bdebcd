package database

import (
	"database/sql"
	"time"

	"owl-field-agent/common/config"

	_ "github.com/lib/pq"
)

// NewPostgresDB 连接同机部署的 PostgreSQL（替代本地 SQLite 缓冲）
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 || maxIdle > maxConns {
		maxIdle = maxConns
	}

	return open("postgres", cfg.GetDSN(), func(db *sql.DB) {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxIdle)
		db.SetConnMaxLifetime(30 * time.Minute)
	})
}
