package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"owl-field-agent/common/config"

	_ "modernc.org/sqlite"
)

// NewSQLiteDB 打开本地 SQLite 数据库（WAL 模式），必要时创建父目录
func NewSQLiteDB(cfg *config.SQLiteConfig) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// SQLite 单写者：写路径串行，读连接可并发
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}

	return open("sqlite", cfg.GetDSN(), func(db *sql.DB) {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	})
}
