package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"postcode-api/internal/logger"
)

// 背景：首次运行自动创建记录表与索引，供只读查询与本地装载使用
// 约束：全部使用 IF NOT EXISTS，可重复执行；search 列由 doc 中的字符串值生成
var schema = []string{
	`CREATE TABLE IF NOT EXISTS geo_records (
        collection TEXT NOT NULL,
        id TEXT NOT NULL,
        doc JSONB NOT NULL,
        lat DOUBLE PRECISION,
        lon DOUBLE PRECISION,
        search TSVECTOR GENERATED ALWAYS AS (jsonb_to_tsvector('simple', doc, '["string"]')) STORED,
        PRIMARY KEY (collection, id)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_geo_records_search ON geo_records USING GIN (search)`,
	`CREATE INDEX IF NOT EXISTS idx_geo_records_parent ON geo_records ((doc->>'parent'))`,
	`CREATE INDEX IF NOT EXISTS idx_geo_records_type ON geo_records ((doc->>'type'))`,
	`CREATE INDEX IF NOT EXISTS idx_geo_records_entity ON geo_records ((doc->>'entity'))`,
	`CREATE INDEX IF NOT EXISTS idx_geo_records_hash ON geo_records ((doc->>'hash') text_pattern_ops)`,
	`CREATE INDEX IF NOT EXISTS idx_geo_records_latlon ON geo_records (collection, lat, lon)`,
}

// EnsureSchema：顺序执行建表与建索引语句
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range schema {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	logger.L().Debug("schema_done", "statements", len(schema))
	return nil
}
