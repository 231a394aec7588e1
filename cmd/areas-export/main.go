// 导出工具：把某区域类型（或实体前缀）下的全部区域写成 CSV，输出到标准输出或 -o 指定文件
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"postcode-api/internal/config"
	"postcode-api/internal/logger"
	"postcode-api/internal/resolve"
	"postcode-api/internal/store"
	"postcode-api/internal/utils"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()

	out := flag.String("o", "", "output file (default stdout)")
	flag.Parse()
	if flag.NArg() != 1 {
		l.Error("usage", "msg", "areas-export [-o file] <areatype>")
		os.Exit(2)
	}
	code := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	ctx := context.Background()
	var backend store.Backend
	if cfg.DatabaseURL != "" {
		db, err := utils.OpenPostgres(ctx, cfg)
		if err != nil {
			l.Error("db_open_error", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		backend = store.AttachDB(db)
	} else {
		f, err := os.Open(cfg.MemoryStoreFile)
		if err != nil {
			l.Error("store_open_error", "err", err)
			os.Exit(1)
		}
		m := store.NewMemory()
		_, err = m.LoadJSONLines(f)
		f.Close()
		if err != nil {
			l.Error("store_open_error", "err", err)
			os.Exit(1)
		}
		backend = m
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			l.Error("output_open_error", "path", *out, "err", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	res := resolve.New(backend, nil, resolve.Options{})
	if _, ok := res.ParseAreaTypeCode(code); !ok {
		l.Error("invalid_areatype", "code", code)
		os.Exit(1)
	}
	cw := csv.NewWriter(w)
	_ = cw.Write(resolve.ExportHeader)
	rows := 0
	err = res.ExportAreas(ctx, code, func(row resolve.ExportRow) error {
		rows++
		return cw.Write(row.Fields())
	})
	cw.Flush()
	if err == nil {
		err = cw.Error()
	}
	if err != nil {
		l.Error("export_error", "areatype", code, "rows", rows, "err", err)
		os.Exit(1)
	}
	l.Info("export_done", "areatype", code, "rows", rows)
}
