package utils

import (
	"fmt"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"

	"postcode-api/internal/config"
	"postcode-api/internal/logger"
)

// OpenGeoIP：打开 City 类型的 mmdb；未配置路径时返回 (nil, nil)
func OpenGeoIP(cfg *config.Config) (*geoip2.Reader, error) {
	if cfg.GeoIPCityDB == "" {
		return nil, nil
	}
	r, err := geoip2.Open(cfg.GeoIPCityDB)
	if err != nil {
		return nil, fmt.Errorf("open geoip db %s: %w", cfg.GeoIPCityDB, err)
	}
	logMetadata(cfg.GeoIPCityDB, r.Metadata())
	return r, nil
}

// logMetadata：记录库类型与构建时间，便于排查过期数据
func logMetadata(path string, m maxminddb.Metadata) {
	logger.L().Info("geoip_open_ok",
		"path", path,
		"type", m.DatabaseType,
		"ip_version", m.IPVersion,
		"nodes", m.NodeCount,
		"built", time.Unix(int64(m.BuildEpoch), 0).UTC().Format(time.DateOnly),
	)
}
