package resolve

import (
	"context"
	"fmt"
	"strings"

	"postcode-api/internal/apperr"
	"postcode-api/internal/ident"
	"postcode-api/internal/pagination"
	"postcode-api/internal/resource"
	"postcode-api/internal/store"
)

const (
	DefaultAreaTypePageSize = 100
	MaxAreaTypePageSize     = 1000
)

// areaTypeQuery：代码可以是类型代码（如 laua）或实体前缀（如 E06）
// 返回：类型元数据与区域检索条件；未知代码返回 InvalidAreaType
func (r *Resolver) areaTypeQuery(raw string) (string, *resource.Attrs, store.Query, error) {
	code := strings.TrimSpace(raw)
	if t, ok := r.types.Lookup(code); ok {
		q := store.Query{AnyOf: []store.Terms{{Field: "type", Values: []string{t.Code}}}}
		if len(t.Entities) > 0 {
			q.AnyOf = append(q.AnyOf, store.Terms{Field: "entity", Values: t.Entities})
		}
		return t.Code, resource.AreaTypeAttrs(t), q, nil
	}
	entity := strings.ToUpper(code)
	if t, ok := r.types.ByEntity(entity); ok {
		attrs := resource.AreaTypeAttrs(t)
		attrs.Set("id", entity)
		attrs.Set("type", t.Code)
		attrs.Set("entities", []string{entity})
		q := store.Query{Terms: []store.Terms{{Field: "entity", Values: []string{entity}}}}
		return entity, attrs, q, nil
	}
	return code, nil, store.Query{}, apperr.InvalidAreaType(code).WithOp("resolve.areatype")
}

// AreaType：区域类型及其分页的区域列表
// 约束：未知代码得到未找到实体（invalid_areatype），不是错误
func (r *Resolver) AreaType(ctx context.Context, raw string, page pagination.Request) (*resource.AreaType, error) {
	code, attrs, q, err := r.areaTypeQuery(raw)
	if err != nil {
		return resource.MissingAreaType(code), nil
	}
	page = withDefaultSize(page, DefaultAreaTypePageSize)
	res, err := r.store.Search(ctx, store.Request{
		Collections: []store.Collection{store.Areas},
		Query:       q,
		Sort:        store.Sort{Kind: store.SortField, Field: "name"},
		From:        page.Offset(),
		Size:        page.Size,
		Exclude:     []string{"boundary"},
	})
	if err != nil {
		return nil, wrapStore("resolve.areatype", err)
	}
	p := pagination.Calculate(page, res.Total)
	attrs.Set("count_areas", res.Total)
	areas := make([]resource.Resource, 0, len(res.Hits))
	for _, h := range res.Hits {
		areas = append(areas, r.shallowArea(h.ID, h.Record))
	}
	return resource.NewAreaType(code, attrs, &p, resource.Many("areas", areas)), nil
}

// AreaTypes：全部静态类型，附带按 type 聚合得到的区域数
func (r *Resolver) AreaTypes(ctx context.Context) ([]resource.Resource, error) {
	all := r.types.All()
	res, err := r.store.Search(ctx, store.Request{
		Collections:    []store.Collection{store.Areas},
		Size:           0,
		AggregateField: "type",
		AggregateSize:  len(all) + 1,
	})
	if err != nil {
		return nil, wrapStore("resolve.areatypes", err)
	}
	counts := make(map[string]int, len(res.Buckets))
	for _, b := range res.Buckets {
		counts[strings.ToLower(b.Key)] = b.Count
	}
	groupOf := map[string]string{}
	for _, g := range r.types.KeyGroups() {
		for _, t := range g.Types {
			groupOf[strings.ToLower(t)] = g.Name
		}
	}
	out := make([]resource.Resource, 0, len(all))
	for _, t := range all {
		attrs := resource.AreaTypeAttrs(t)
		attrs.Set("count_areas", counts[strings.ToLower(t.Code)])
		if g, ok := groupOf[strings.ToLower(t.Code)]; ok {
			attrs.Set("key_group", g)
		}
		out = append(out, resource.NewAreaType(t.Code, attrs, nil))
	}
	return out, nil
}

// ExportRow：导出的一行区域
type ExportRow struct {
	Code   string
	Name   string
	Type   string
	Active string
	Parent string
}

// ExportHeader：CSV 表头，与 ExportRow.Fields 对应
var ExportHeader = []string{"code", "name", "type", "active", "parent"}

func (e ExportRow) Fields() []string {
	return []string{e.Code, e.Name, e.Type, e.Active, e.Parent}
}

var exportFields = ExportHeader[1:]

// ExportAreas：流式遍历某类型下的全部区域，按代码顺序调用 fn
func (r *Resolver) ExportAreas(ctx context.Context, raw string, fn func(ExportRow) error) error {
	_, _, q, err := r.areaTypeQuery(raw)
	if err != nil {
		return err
	}
	err = r.store.Scan(ctx, store.Areas, q, exportFields, func(h store.Hit) error {
		return fn(ExportRow{
			Code:   h.ID,
			Name:   h.Record.String("name"),
			Type:   h.Record.String("type"),
			Active: h.Record.String("active"),
			Parent: h.Record.String("parent"),
		})
	})
	if err != nil {
		return fmt.Errorf("export %s: %w", raw, err)
	}
	return nil
}

// ParseAreaTypeCode：供外层在解析前快速判断代码是否有效
func (r *Resolver) ParseAreaTypeCode(raw string) (string, bool) {
	code, _, _, err := r.areaTypeQuery(ident.AreaID(raw))
	return code, err == nil
}
