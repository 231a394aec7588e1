// 数据装载工具：把 JSON Lines 记录（本地文件或 URL）并发写入 PostgreSQL 的 geo_records
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"postcode-api/internal/config"
	"postcode-api/internal/logger"
	"postcode-api/internal/migrate"
	"postcode-api/internal/store"
	"postcode-api/internal/utils"
)

// 并发写入数
const writers = 8

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()

	src := os.Getenv("SRC_FILE")
	if len(os.Args) > 1 {
		src = os.Args[1]
	}
	if src == "" {
		l.Error("usage", "msg", "records-load <file|url> (or SRC_FILE)")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		l.Error("config_error", "err", "records-load needs PG_HOST or DATABASE_URL")
		os.Exit(1)
	}
	ctx := context.Background()
	db, err := utils.OpenPostgres(ctx, cfg)
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		l.Error("schema_error", "err", err)
		os.Exit(1)
	}

	in, err := open(src)
	if err != nil {
		l.Error("source_open_error", "src", src, "err", err)
		os.Exit(1)
	}
	defer in.Close()

	pg := store.AttachDB(db)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(writers)
	n, err := store.ReadJSONLines(in, func(c store.Collection, id string, rec store.Record) error {
		if gctx.Err() != nil {
			return context.Cause(gctx)
		}
		g.Go(func() error {
			if err := pg.Upsert(gctx, c, id, rec); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", c, id, err)
			}
			return nil
		})
		return nil
	})
	if werr := g.Wait(); werr != nil {
		err = werr
	}
	if err != nil {
		l.Error("load_error", "records", n, "err", err)
		os.Exit(1)
	}
	l.Info("load_done", "src", src, "records", n)
}

// open：http(s) 前缀按 URL 下载，其余按本地路径打开
func open(src string) (io.ReadCloser, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return os.Open(src)
	}
	resp, err := http.Get(src)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", src, resp.StatusCode)
	}
	return resp.Body, nil
}
