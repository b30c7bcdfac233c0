package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/watchingthewheelsgo/xbot/config"
)

// InitDB 按 DATABASE_URL 打开数据库。
// sqlite:///path 为默认；postgres:// 供规模化部署。
// sqlite 打开 WAL 并设置 busy_timeout，锁竞争时等待而非立刻失败。
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)}
	if cfg.Database.Echo {
		gcfg.Logger = glogger.Default.LogMode(glogger.Info)
	}

	url := strings.TrimSpace(cfg.Database.URL)
	var (
		db  *gorm.DB
		err error
	)
	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		db, err = gorm.Open(postgres.Open(url), gcfg)
	default:
		path := sqlitePath(url)
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." && dir != "" {
				if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
					return nil, fmt.Errorf("create database dir %s: %w", dir, mkErr)
				}
			}
		}
		dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// sqlitePath 剥掉 sqlite:// 家族前缀，兼容 sqlite+aiosqlite:/// 历史写法
func sqlitePath(url string) string {
	for _, prefix := range []string{"sqlite+aiosqlite://", "sqlite3://", "sqlite://"} {
		if strings.HasPrefix(url, prefix) {
			url = strings.TrimPrefix(url, prefix)
			break
		}
	}
	url = strings.TrimPrefix(url, "/")
	if url == "" {
		url = "./xbot.db"
	}
	if !strings.HasPrefix(url, "/") && !strings.HasPrefix(url, "./") && url != ":memory:" {
		url = "./" + url
	}
	return url
}
