// 包 boundary：区域边界几何的对象存储访问，拆分为廉价的存在性检查与可重复调用的加载
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// 存储词汇（小写）到 GeoJSON 类型名
var geoJSONTypes = map[string]string{
	"point":              "Point",
	"linestring":         "LineString",
	"polygon":            "Polygon",
	"multipoint":         "MultiPoint",
	"multilinestring":    "MultiLineString",
	"multipolygon":       "MultiPolygon",
	"geometrycollection": "GeometryCollection",
}

// TypeName：翻译几何类型名，未知名称原样返回
func TypeName(t string) string {
	if v, ok := geoJSONTypes[strings.ToLower(t)]; ok {
		return v
	}
	return t
}

// Geometry：GeoJSON 几何，坐标保持原始 JSON 不做解析
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometries  []Geometry      `json:"geometries,omitempty"`
}

func (g *Geometry) normalize() {
	g.Type = TypeName(g.Type)
	for i := range g.Geometries {
		g.Geometries[i].normalize()
	}
}

var ErrInvalid = errors.New("boundary: not a geometry")

// Decode：解析几何、Feature 或 FeatureCollection（取全部要素几何）
func Decode(raw []byte) (*Geometry, error) {
	var envelope struct {
		Type        string            `json:"type"`
		Coordinates json.RawMessage   `json:"coordinates"`
		Geometries  []Geometry        `json:"geometries"`
		Geometry    *Geometry         `json:"geometry"`
		Features    []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("boundary decode: %w", err)
	}
	var g *Geometry
	switch strings.ToLower(envelope.Type) {
	case "feature":
		g = envelope.Geometry
	case "featurecollection":
		var parts []Geometry
		for _, f := range envelope.Features {
			fg, err := Decode(f)
			if err != nil {
				return nil, err
			}
			parts = append(parts, *fg)
		}
		switch len(parts) {
		case 0:
		case 1:
			g = &parts[0]
		default:
			g = &Geometry{Type: "GeometryCollection", Geometries: parts}
		}
	case "":
	default:
		g = &Geometry{Type: envelope.Type, Coordinates: envelope.Coordinates, Geometries: envelope.Geometries}
	}
	if g == nil || g.Type == "" {
		return nil, ErrInvalid
	}
	g.normalize()
	return g, nil
}

// Store：边界来源
// 约束：Load 对不存在的边界返回 (nil, nil)
type Store interface {
	Has(ctx context.Context, code string) (bool, error)
	Load(ctx context.Context, code string) (*Geometry, error)
}

// Key：对象键，按代码前三位分目录，例如 E06/E06000001.json
func Key(code string) string {
	prefix := code
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return prefix + "/" + code + ".json"
}

// Lazy：单个区域边界的惰性句柄
// 约束：成功结果（含不存在）只加载一次；失败不缓存，下次调用重试；并发调用方不会看到半成品
type Lazy struct {
	src  Store
	code string

	mu     sync.Mutex
	loaded bool
	geom   *Geometry
}

func NewLazy(src Store, code string) *Lazy {
	return &Lazy{src: src, code: code}
}

// Has：廉价的存在性检查，不触发加载
func (l *Lazy) Has(ctx context.Context) (bool, error) {
	if l == nil || l.src == nil {
		return false, nil
	}
	l.mu.Lock()
	if l.loaded {
		ok := l.geom != nil
		l.mu.Unlock()
		return ok, nil
	}
	l.mu.Unlock()
	return l.src.Has(ctx, l.code)
}

// Load：加载并缓存几何
func (l *Lazy) Load(ctx context.Context) (*Geometry, error) {
	if l == nil || l.src == nil {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l.geom, nil
	}
	g, err := l.src.Load(ctx, l.code)
	if err != nil {
		return nil, err
	}
	l.geom, l.loaded = g, true
	return g, nil
}

// Memory：测试与本地运行使用的内存实现，值为原始 JSON
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	loads int
}

func NewMemory() *Memory { return &Memory{blobs: map[string][]byte{}} }

func (m *Memory) Put(code string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[Key(code)] = raw
}

func (m *Memory) Has(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[Key(code)]
	return ok, nil
}

func (m *Memory) Load(_ context.Context, code string) (*Geometry, error) {
	m.mu.Lock()
	m.loads++
	raw, ok := m.blobs[Key(code)]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return Decode(raw)
}

// Loads：累计加载次数
func (m *Memory) Loads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}
