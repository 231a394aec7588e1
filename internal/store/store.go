// 包 store：地理记录存储契约（Get/Search/Scan）及其 PostgreSQL、内存与 Redis 缓存实现
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Collection：记录集合
type Collection string

const (
	Postcodes Collection = "geo_postcode"
	Areas     Collection = "geo_area"
	Entities  Collection = "geo_entity"
	Places    Collection = "geo_placename"
)

// Record：一条扁平记录，字段顺序不保证
type Record map[string]any

// Doc：Get 的结果；Found=false 时 Record 为空
type Doc struct {
	ID         string     `json:"id"`
	Collection Collection `json:"collection"`
	Found      bool       `json:"found"`
	Record     Record     `json:"record,omitempty"`
}

// Terms：字段取值属于 Values 之一；列表字段任一元素命中即可
type Terms struct {
	Field  string
	Values []string
}

// Prefix：字段以 Value 开头
type Prefix struct {
	Field string
	Value string
}

// Near：以坐标为圆心的距离过滤；Meters<=0 不过滤，仅供距离排序使用
type Near struct {
	Lat    float64
	Lon    float64
	Meters float64
}

// Boost：命中条件时得分乘以 Weight；Values 为空表示字段存在即命中
type Boost struct {
	Field  string
	Values []string
	Weight float64
}

// Query：检索条件，各项之间为 AND
// Text 按词匹配，所有词都需出现；AnyOf 与 Prefixes 各自内部为 OR
type Query struct {
	Text     string
	Terms    []Terms
	AnyOf    []Terms
	Prefixes []Prefix
	Missing  []string
	Near     *Near
	Boosts   []Boost
}

type SortKind int

const (
	SortDefault SortKind = iota
	SortScore
	SortRandom
	SortField
	SortDistance
)

// Sort：排序方式；SortDistance 以 Lat/Lon 为参照，结果 Hit.Sort[0] 为米
type Sort struct {
	Kind  SortKind
	Field string
	Desc  bool
	Lat   float64
	Lon   float64
}

// Request：一次检索
// NoTotal：调用方不需要总数时省略计数，此时 Result.Total 只是 From 加本页命中数
type Request struct {
	Collections    []Collection
	Query          Query
	Sort           Sort
	From           int
	Size           int
	Include        []string
	Exclude        []string
	AggregateField string
	AggregateSize  int
	NoTotal        bool
}

type Hit struct {
	ID         string
	Collection Collection
	Record     Record
	Score      float64
	Sort       []float64
}

type Bucket struct {
	Key   string
	Count int
}

// Result：检索结果；Total 为过滤后的总命中数，与分页无关
type Result struct {
	Total   int
	Hits    []Hit
	Buckets []Bucket
}

// Backend：后端存储契约
// 约束：未命中不是错误；错误只代表基础设施故障
type Backend interface {
	Get(ctx context.Context, c Collection, id string, exclude ...string) (Doc, error)
	Search(ctx context.Context, req Request) (Result, error)
	// Scan：按主键顺序流式遍历全部命中，fn 返回错误即停止
	Scan(ctx context.Context, c Collection, q Query, include []string, fn func(Hit) error) error
}

// String：读取字段的字符串形式，数值与布尔转为文本，缺失返回空串
func (r Record) String(k string) string {
	return scalarString(r[k])
}

// Strings：读取字符串或字符串列表字段
func (r Record) Strings(k string) []string {
	switch v := r[k].(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s := scalarString(x); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		if s := scalarString(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

// Float：读取数值字段，兼容字符串形式
func (r Record) Float(k string) (float64, bool) {
	switch v := r[k].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// Location：记录坐标，优先 location{lat,lon}，其次顶层 lat/long
func (r Record) Location() (lat, lon float64, ok bool) {
	if m, isMap := r["location"].(map[string]any); isMap {
		loc := Record(m)
		la, ok1 := loc.Float("lat")
		lo, ok2 := loc.Float("lon")
		if ok1 && ok2 {
			return la, lo, true
		}
	}
	la, ok1 := r.Float("lat")
	lo, ok2 := r.Float("long")
	if !ok2 {
		lo, ok2 = r.Float("lon")
	}
	return la, lo, ok1 && ok2
}

// Clone：浅拷贝
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project：按 include/exclude 裁剪字段；include 为空表示全部
func (r Record) Project(include, exclude []string) Record {
	out := Record{}
	if len(include) == 0 {
		for k, v := range r {
			out[k] = v
		}
	} else {
		for _, k := range include {
			if v, ok := r[k]; ok {
				out[k] = v
			}
		}
	}
	for _, k := range exclude {
		delete(out, k)
	}
	return out
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
