// 程序入口：读取配置、初始化依赖并启动服务；路由注册在 internal/api
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"

	"postcode-api/internal/api"
	"postcode-api/internal/boundary"
	"postcode-api/internal/config"
	"postcode-api/internal/logger"
	"postcode-api/internal/metrics"
	"postcode-api/internal/middleware"
	"postcode-api/internal/migrate"
	"postcode-api/internal/resolve"
	"postcode-api/internal/store"
	"postcode-api/internal/utils"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	l.Debug("config_api_base", "base", cfg.APIBase, "base_url", cfg.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		l.Error("store_open_error", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if rc := utils.OpenRedis(ctx, cfg); rc != nil {
		defer rc.Close()
		backend = store.NewCached(backend, rc, cfg.CacheTTL)
		l.Info("redis_ping_ok", "ttl", cfg.CacheTTL.String())
	} else {
		l.Info("redis_disabled")
	}

	// 背景：未配置或不可用时关闭边界输出，其余接口照常
	var bounds boundary.Store
	if mc, err := utils.OpenMinIO(ctx, cfg); err != nil {
		l.Error("minio_error", "err", err)
	} else if mc != nil {
		bounds = boundary.NewMinIO(mc, cfg.S3Bucket)
		l.Info("boundaries_enabled", "bucket", cfg.S3Bucket)
	} else {
		l.Info("boundaries_disabled")
	}

	var locator api.Locator
	if gr, err := utils.OpenGeoIP(cfg); err != nil {
		l.Error("geoip_open_error", "err", err)
	} else if gr != nil {
		defer gr.Close()
		locator = gr
	} else {
		l.Info("geoip_disabled")
	}

	res := resolve.New(backend, bounds, resolve.Options{Fanout: cfg.Fanout, MaxDistance: cfg.MaxDistance})
	router := api.New(res, cfg.BaseURL+cfg.APIBase, locator).Routes()

	mux := http.NewServeMux()
	mux.Handle(cfg.APIBase+"/metrics", metrics.Handler())
	if cfg.APIBase == "" {
		mux.Handle("/", router)
	} else {
		mux.Handle(cfg.APIBase+"/", http.StripPrefix(cfg.APIBase, router))
	}

	var handler http.Handler = mux
	if cfg.RateLimitEnabled {
		rl := middleware.NewRateLimiter(cfg.RateLimitQPS, cfg.RateLimitBurst, cfg.RateLimitExemptKeys)
		handler = rl.Wrap(handler)
		go sweep(ctx, rl)
		l.Info("rate_limit_enabled", "qps", cfg.RateLimitQPS, "burst", cfg.RateLimitBurst, "exempt_keys", len(cfg.RateLimitExemptKeys))
	}
	handler = logger.AccessMiddleware(l)(handler)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		l.Error("listen_error", "addr", cfg.Addr(), "err", err)
		os.Exit(1)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	s := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
	}()
	l.Info("listening", "addr", cfg.Addr(), "max_conns", cfg.MaxConns)
	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("serve_error", "err", err)
		os.Exit(1)
	}
	l.Info("shutdown_ok")
}

// openStore：优先 Postgres（首次运行建表），否则装载内存夹具
func openStore(ctx context.Context, cfg *config.Config) (store.Backend, func(), error) {
	l := logger.L()
	if cfg.DatabaseURL != "" {
		db, err := utils.OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		l.Info("db_open_ok")
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store.AttachDB(db), func() { _ = db.Close() }, nil
	}
	f, err := os.Open(cfg.MemoryStoreFile)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	m := store.NewMemory()
	n, err := m.LoadJSONLines(f)
	if err != nil {
		return nil, nil, err
	}
	l.Info("memory_store_loaded", "file", cfg.MemoryStoreFile, "records", n)
	return m, func() {}, nil
}

// sweep：定期回收闲置的限流器
func sweep(ctx context.Context, rl *middleware.RateLimiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rl.Sweep(); n > 0 {
				logger.L().Debug("rate_limit_sweep", "removed", n)
			}
		}
	}
}
