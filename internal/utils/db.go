// 包 utils：按配置构造基础设施客户端（Postgres、Redis、MinIO、GeoIP）
package utils

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"postcode-api/internal/config"
	"postcode-api/internal/logger"
)

// OpenPostgres：打开连接池并探活
// 约束：Ping 超时 5 秒；连接池上限来自 PG_MAX_OPEN_CONNS / PG_MAX_IDLE_CONNS
func OpenPostgres(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.PGMaxOpenConns)
	db.SetMaxIdleConns(cfg.PGMaxIdleConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.L().Debug("db_pool", "max_open", cfg.PGMaxOpenConns, "max_idle", cfg.PGMaxIdleConns)
	return db, nil
}
