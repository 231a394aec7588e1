package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"postcode-api/internal/metrics"
)

// Postgres：基于 geo_records 表（JSONB 文档 + 坐标列 + tsvector）的实现
// 约束：只返回带阶段信息的包装错误，不记录日志；日志由调用方按请求上下文记录一次
type Postgres struct {
	db *sql.DB
}

// AttachDB：复用外部连接池
func AttachDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Get(ctx context.Context, c Collection, id string, exclude ...string) (Doc, error) {
	defer observe("get", time.Now())
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc - $3::text[] FROM geo_records WHERE collection = $1 AND id = $2`,
		string(c), id, pq.Array(nonNil(exclude)),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Doc{ID: id, Collection: c}, nil
	}
	if err != nil {
		return Doc{}, fmt.Errorf("store get %s/%s: %w", c, id, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Doc{}, fmt.Errorf("store get %s/%s: %w", c, id, err)
	}
	return Doc{ID: id, Collection: c, Found: true, Record: rec}, nil
}

func (p *Postgres) Search(ctx context.Context, req Request) (Result, error) {
	defer observe("search", time.Now())
	q := buildSearch(req)
	var res Result
	if q.count != "" {
		if err := p.db.QueryRowContext(ctx, q.count, q.countArgs...).Scan(&res.Total); err != nil {
			return Result{}, fmt.Errorf("store search count: %w", err)
		}
	}
	if req.Size != 0 && (q.count == "" || res.Total > req.From) {
		rows, err := p.db.QueryContext(ctx, q.page, q.pageArgs...)
		if err != nil {
			return Result{}, fmt.Errorf("store search: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				col, id string
				raw     []byte
				score   float64
				dist    sql.NullFloat64
			)
			if err := rows.Scan(&col, &id, &raw, &score, &dist); err != nil {
				return Result{}, fmt.Errorf("store search scan: %w", err)
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				return Result{}, fmt.Errorf("store search decode %s: %w", id, err)
			}
			h := Hit{ID: id, Collection: Collection(col), Record: rec.Project(req.Include, nil), Score: score}
			if dist.Valid {
				h.Sort = []float64{dist.Float64}
			}
			res.Hits = append(res.Hits, h)
		}
		if err := rows.Err(); err != nil {
			return Result{}, fmt.Errorf("store search rows: %w", err)
		}
	}
	if q.count == "" {
		res.Total = max(req.From, 0) + len(res.Hits)
	}
	if q.agg != "" {
		buckets, err := p.buckets(ctx, q.agg, q.aggArgs)
		if err != nil {
			return Result{}, err
		}
		res.Buckets = buckets
	}
	return res, nil
}

func (p *Postgres) buckets(ctx context.Context, query string, args []any) ([]Bucket, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store aggregate: %w", err)
	}
	defer rows.Close()
	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, fmt.Errorf("store aggregate scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Scan：游标式读取，按 id 排序，回调返回错误时提前结束
func (p *Postgres) Scan(ctx context.Context, c Collection, q Query, include []string, fn func(Hit) error) error {
	defer observe("scan", time.Now())
	b := &sqlBuilder{}
	where := b.where([]Collection{c}, q)
	rows, err := p.db.QueryContext(ctx, `SELECT id, doc FROM geo_records WHERE `+where+` ORDER BY id`, b.args...)
	if err != nil {
		return fmt.Errorf("store scan %s: %w", c, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("store scan %s: %w", c, err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("store scan decode %s: %w", id, err)
		}
		if err := fn(Hit{ID: id, Collection: c, Record: rec.Project(include, nil)}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Upsert：写入一条记录，坐标列从记录中提取
// 背景：导入流程在仓库外部；此处供本地装载与测试夹具使用
func (p *Postgres) Upsert(ctx context.Context, c Collection, id string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	if la, lo, ok := rec.Location(); ok {
		lat = sql.NullFloat64{Float64: la, Valid: true}
		lon = sql.NullFloat64{Float64: lo, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO geo_records(collection, id, doc, lat, lon)
        VALUES($1, $2, $3, $4, $5)
        ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc, lat = EXCLUDED.lat, lon = EXCLUDED.lon`,
		string(c), id, raw, lat, lon)
	return err
}

type searchSQL struct {
	count     string
	countArgs []any
	page      string
	pageArgs  []any
	agg       string
	aggArgs   []any
}

// buildSearch：把 Request 翻译为计数、分页与聚合三条语句；NoTotal 时不生成计数语句
// 约束：字段名一律作为参数传入 doc->>$n，不拼接进 SQL 文本
func buildSearch(req Request) searchSQL {
	var out searchSQL

	if !req.NoTotal {
		cb := &sqlBuilder{}
		out.count = `SELECT count(*) FROM geo_records WHERE ` + cb.where(req.Collections, req.Query)
		out.countArgs = cb.args
	}

	pb := &sqlBuilder{}
	where := pb.where(req.Collections, req.Query)
	score := pb.score(req.Query)
	dist := "NULL::double precision"
	if req.Sort.Kind == SortDistance {
		dist = pb.distance(req.Sort.Lat, req.Sort.Lon)
	}
	var order string
	switch req.Sort.Kind {
	case SortScore:
		order = "score DESC, collection, id"
	case SortRandom:
		order = "random()"
	case SortField:
		dir := "ASC"
		if req.Sort.Desc {
			dir = "DESC"
		}
		order = "doc->>" + pb.field(req.Sort.Field) + " " + dir + " NULLS LAST, collection, id"
	case SortDistance:
		order = "dist ASC NULLS LAST, id"
	default:
		order = "collection, id"
	}
	size := req.Size
	if size < 0 {
		size = 10000
	}
	out.page = fmt.Sprintf(`SELECT collection, id, doc - %s::text[], %s AS score, %s AS dist FROM geo_records WHERE %s ORDER BY %s OFFSET %s LIMIT %s`,
		pb.arg(pq.Array(nonNil(req.Exclude))), score, dist, where, order, pb.arg(max(req.From, 0)), pb.arg(size))
	out.pageArgs = pb.args

	if req.AggregateField != "" {
		ab := &sqlBuilder{}
		aw := ab.where(req.Collections, req.Query)
		field := ab.field(req.AggregateField)
		limit := req.AggregateSize
		if limit <= 0 {
			limit = 10
		}
		out.agg = fmt.Sprintf(`SELECT doc->>%s AS key, count(*) FROM geo_records WHERE %s AND doc->>%s IS NOT NULL GROUP BY 1 ORDER BY 2 DESC, 1 LIMIT %s`,
			field, aw, field, ab.arg(limit))
		out.aggArgs = ab.args
	}
	return out
}

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// field：JSON 键名参数需显式声明为 text，否则 ->> 运算符存在歧义
func (b *sqlBuilder) field(name string) string {
	return b.arg(name) + "::text"
}

func (b *sqlBuilder) where(cols []Collection, q Query) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = string(c)
	}
	parts := []string{"collection = ANY(" + b.arg(pq.Array(names)) + ")"}
	if strings.TrimSpace(q.Text) != "" {
		parts = append(parts, "search @@ plainto_tsquery('simple', "+b.arg(q.Text)+")")
	}
	for _, t := range q.Terms {
		parts = append(parts, b.terms(t))
	}
	if len(q.AnyOf) > 0 {
		ors := make([]string, len(q.AnyOf))
		for i, t := range q.AnyOf {
			ors[i] = b.terms(t)
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	if len(q.Prefixes) > 0 {
		ors := make([]string, len(q.Prefixes))
		for i, p := range q.Prefixes {
			ors[i] = "doc->>" + b.field(p.Field) + " LIKE " + b.arg(escapeLike(p.Value)+"%")
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	for _, f := range q.Missing {
		parts = append(parts, "COALESCE(doc->>"+b.field(f)+", '') = ''")
	}
	if q.Near != nil && q.Near.Meters > 0 {
		box := boundingBox(q.Near.Lat, q.Near.Lon, q.Near.Meters)
		parts = append(parts,
			"lat BETWEEN "+b.arg(box[0])+" AND "+b.arg(box[2]),
			"lon BETWEEN "+b.arg(box[1])+" AND "+b.arg(box[3]),
			b.distance(q.Near.Lat, q.Near.Lon)+" <= "+b.arg(q.Near.Meters),
		)
	} else if q.Near != nil {
		parts = append(parts, "lat IS NOT NULL")
	}
	return strings.Join(parts, " AND ")
}

// terms：标量字段等值或数组字段包含任一值
func (b *sqlBuilder) terms(t Terms) string {
	f := b.field(t.Field)
	v := b.arg(pq.Array(nonNil(t.Values)))
	return "(doc->>" + f + " = ANY(" + v + ") OR (jsonb_typeof(doc->" + f + ") = 'array' AND doc->" + f + " ?| " + v + "))"
}

func (b *sqlBuilder) score(q Query) string {
	s := "1.0::double precision"
	if strings.TrimSpace(q.Text) != "" {
		s = "ts_rank(search, plainto_tsquery('simple', " + b.arg(q.Text) + "))::double precision"
	}
	for _, bo := range q.Boosts {
		cond := "COALESCE(doc->>" + b.field(bo.Field) + ", '') <> ''"
		if len(bo.Values) > 0 {
			cond = b.terms(Terms{Field: bo.Field, Values: bo.Values})
		}
		s += " * (CASE WHEN " + cond + " THEN " + b.arg(bo.Weight) + "::double precision ELSE 1 END)"
	}
	return s
}

func (b *sqlBuilder) distance(lat, lon float64) string {
	la, lo := b.arg(lat), b.arg(lon)
	return fmt.Sprintf("(2 * %v * asin(sqrt(power(sin(radians(lat - %s) / 2), 2) + cos(radians(%s)) * cos(radians(lat)) * power(sin(radians(lon - %s) / 2), 2))))",
		earthRadiusM, la, la, lo)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func decodeRecord(raw []byte) (Record, error) {
	rec := Record{}
	if len(raw) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func observe(op string, start time.Time) {
	metrics.StoreDurationMs.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}
