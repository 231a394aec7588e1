// 包 config：从环境变量汇总服务配置，缺省值内联，启动时统一校验
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config：服务配置
// 约束：除存储外的基础设施均可缺省；缺省即关闭对应功能
type Config struct {
	Port    int    `validate:"min=1,max=65535"`
	APIBase string `validate:"omitempty,startswith=/"`
	BaseURL string `validate:"omitempty,url"`

	DatabaseURL     string
	MemoryStoreFile string
	PGMaxOpenConns  int `validate:"min=1"`
	PGMaxIdleConns  int `validate:"min=0"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int           `validate:"min=0"`
	CacheTTL      time.Duration `validate:"min=0"`

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string `validate:"required_with=S3Endpoint"`
	S3Region    string
	S3UseSSL    bool

	GeoIPCityDB string

	RateLimitEnabled    bool
	RateLimitQPS        float64 `validate:"gt=0"`
	RateLimitBurst      int     `validate:"min=1"`
	RateLimitExemptKeys []string

	Fanout      int     `validate:"min=1,max=64"`
	MaxDistance float64 `validate:"gt=0"`
	MaxConns    int     `validate:"min=0"`
}

var validate = validator.New()

// Load：读取环境变量并校验
// 返回：校验失败时给出首个不合法字段
func Load() (*Config, error) {
	c := &Config{
		Port:             envInt("PORT", 8080),
		APIBase:          strings.TrimSuffix(os.Getenv("API_BASE"), "/"),
		BaseURL:          strings.TrimSuffix(os.Getenv("BASE_URL"), "/"),
		DatabaseURL:      databaseURL(),
		MemoryStoreFile:  os.Getenv("STORE_MEMORY_FILE"),
		PGMaxOpenConns:   envInt("PG_MAX_OPEN_CONNS", 50),
		PGMaxIdleConns:   envInt("PG_MAX_IDLE_CONNS", 25),
		RedisPassword:    os.Getenv("REDIS_PASS"),
		RedisDB:          envInt("REDIS_DB", 0),
		CacheTTL:         envDuration("STORE_CACHE_TTL", 10*time.Minute),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
		S3Bucket:         envString("S3_BUCKET", "geo-boundaries"),
		S3Region:         os.Getenv("S3_REGION"),
		S3UseSSL:         os.Getenv("S3_USE_SSL") == "true",
		GeoIPCityDB:      os.Getenv("GEOIP_CITY_DB"),
		RateLimitEnabled: os.Getenv("RATE_LIMIT_ENABLED") == "true",
		RateLimitQPS:     envFloat("RATE_LIMIT_QPS", 2),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 4),
		Fanout:           envInt("RESOLVE_FANOUT", 8),
		MaxDistance:      envFloat("MAX_DISTANCE_FROM_POINT", 10000),
		MaxConns:         envInt("MAX_CONNS", 0),
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		c.RedisAddr = host + ":" + envString("REDIS_PORT", "6379")
	}
	for _, k := range strings.Split(os.Getenv("RATE_LIMIT_EXEMPT_KEYS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			c.RateLimitExemptKeys = append(c.RateLimitExemptKeys, k)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate：结构体标签校验，外加“至少一种存储”约束
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return fmt.Errorf("config: %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.DatabaseURL == "" && c.MemoryStoreFile == "" {
		return fmt.Errorf("config: no store configured (set PG_HOST, DATABASE_URL or STORE_MEMORY_FILE)")
	}
	return nil
}

// Addr：监听地址
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

// databaseURL：DATABASE_URL 优先；否则仅在设置了 PG_HOST 时由 PG_* 拼装
func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	host := os.Getenv("PG_HOST")
	if host == "" {
		return ""
	}
	dsn := "postgres://" + envString("PG_USER", "postgres")
	if pass := os.Getenv("PG_PASSWORD"); pass != "" {
		dsn += ":" + pass
	}
	dsn += "@" + host + ":" + envString("PG_PORT", "5432") + "/" + envString("PG_DBNAME", "postcodes")
	dsn += "?sslmode=" + envString("PG_SSLMODE", "disable")
	return dsn
}

func envString(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envInt：解析失败时回退默认值
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

// envDuration：接受 Go 时长（10m）或秒数
func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
