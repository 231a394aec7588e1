package resolve

import (
	"context"
	"sort"

	"postcode-api/internal/boundary"
	"postcode-api/internal/ident"
	"postcode-api/internal/logger"
	"postcode-api/internal/resource"
	"postcode-api/internal/store"
)

// areaOpts：区域解析选项
// depth>0 才展开 parent/predecessor/successor/children/example_postcodes；withBoundary 决定是否检查边界
type areaOpts struct {
	depth        int
	examples     int
	withBoundary bool
}

// Area：按代码获取区域并展开关联
// 背景：examples 为示例邮编数量，负数取默认值 5，0 表示不获取
// 返回：未找到时为未找到实体；错误只代表存储故障
func (r *Resolver) Area(ctx context.Context, raw string, examples int) (*resource.Area, error) {
	if examples < 0 {
		examples = DefaultExamples
	}
	return r.rootArea(ctx, raw, areaOpts{depth: 1, examples: examples, withBoundary: true})
}

// AreaBoundary：只为边界输出获取区域，不展开关联
func (r *Resolver) AreaBoundary(ctx context.Context, raw string) (*resource.Area, error) {
	return r.rootArea(ctx, raw, areaOpts{withBoundary: true})
}

func (r *Resolver) rootArea(ctx context.Context, raw string, o areaOpts) (*resource.Area, error) {
	code := ident.AreaID(raw)
	if code == "" {
		return resource.MissingArea(code), nil
	}
	doc, err := r.get(ctx, store.Areas, code, "boundary")
	if err != nil {
		return nil, err
	}
	if !doc.Found {
		return resource.MissingArea(code), nil
	}
	return r.areaFromRecord(ctx, code, doc.Record, o), nil
}

// embeddedArea：嵌入用的浅层区域，未找到返回 nil
func (r *Resolver) embeddedArea(ctx context.Context, rel, code string) *resource.Area {
	doc, ok := r.related(ctx, rel, store.Areas, code, "boundary")
	if !ok {
		return nil
	}
	return r.areaFromRecord(ctx, code, doc.Record, areaOpts{})
}

// shallowArea：由检索命中直接构造，不发起任何获取
func (r *Resolver) shallowArea(id string, rec store.Record) *resource.Area {
	var rels []resource.Relationship
	if at := r.staticAreaType(rec.String("type")); at != nil {
		rels = append(rels, resource.One("areatype", at))
	}
	return resource.NewArea(id, resource.AreaAttrs(id, rec), false, nil, rels...)
}

// staticAreaType：由类型代码查静态表；表中没有的代码仍构造一个只含代码的类型
func (r *Resolver) staticAreaType(code string) *resource.AreaType {
	if code == "" {
		return nil
	}
	if t, ok := r.types.Lookup(code); ok {
		return resource.NewAreaType(t.Code, resource.AreaTypeAttrs(t), nil)
	}
	attrs := resource.NewAttrs()
	attrs.Set("id", code)
	attrs.Set("name", code)
	attrs.Set("full_name", code)
	attrs.Set("description", "")
	return resource.NewAreaType(code, attrs, nil)
}

// entityAreaType：没有 type 字段时按实体前缀取一次 geo_entity 记录
func (r *Resolver) entityAreaType(ctx context.Context, entity string) *resource.AreaType {
	doc, ok := r.related(ctx, "areatype", store.Entities, entity)
	if !ok {
		return nil
	}
	attrs := resource.AttrsFrom(doc.Record.Clone())
	if t, known := r.types.ByEntity(entity); known {
		attrs.Set("type", t.Code)
	}
	return resource.NewAreaType(entity, attrs, nil)
}

func (r *Resolver) areaFromRecord(ctx context.Context, code string, rec store.Record, o areaOpts) *resource.Area {
	attrs := resource.AreaAttrs(code, rec)

	var (
		areatype     *resource.AreaType
		parent       *resource.Area
		predecessors []resource.Resource
		successors   []resource.Resource
		examples     []resource.Resource
		children     []resource.Group
		childTotal   int
		childCounts  map[string]int
		hasBoundary  bool
		lazy         *boundary.Lazy
	)
	areatype = r.staticAreaType(rec.String("type"))
	if r.bounds != nil && o.withBoundary {
		lazy = boundary.NewLazy(r.bounds, code)
	}

	needEntity := areatype == nil && rec.String("entity") != "" && o.depth > 0
	if o.depth > 0 || needEntity || lazy != nil {
		f := r.newFanout("area")
		if needEntity {
			f.Go(func() { areatype = r.entityAreaType(ctx, rec.String("entity")) })
		}
		if lazy != nil {
			f.Go(func() {
				ok, err := lazy.Has(ctx)
				if err != nil {
					logger.FromContext(ctx).Warn("boundary_check_error", "code", code, "err", err)
				}
				hasBoundary = ok
			})
		}
		if o.depth > 0 {
			if p := rec.String("parent"); p != "" {
				f.Go(func() { parent = r.embeddedArea(ctx, "parent", p) })
			}
			predecessors = r.areaList(ctx, f, "predecessor", rec.Strings("predecessor"))
			successors = r.areaList(ctx, f, "successor", rec.Strings("successor"))
			if o.examples > 0 {
				f.Go(func() { examples = r.examplePostcodes(ctx, code, o.examples) })
			}
			f.Go(func() { children, childTotal, childCounts = r.children(ctx, code, "", childrenLimit) })
		}
		f.Wait()
	}

	var rels []resource.Relationship
	if areatype != nil {
		rels = append(rels, resource.One("areatype", areatype))
	}
	if o.depth > 0 {
		attrs.Set("child_count", childTotal)
		attrs.Set("child_counts", childCounts)
		if parent != nil {
			rels = append(rels, resource.One("parent", parent))
		}
		rels = append(rels,
			resource.Many("predecessor", compact(predecessors)),
			resource.Many("successor", compact(successors)),
			resource.Grouped("children", children),
		)
		if o.examples > 0 {
			rels = append(rels, resource.Many("example_postcodes", examples))
		}
	}
	return resource.NewArea(code, attrs, hasBoundary, lazy, rels...)
}

// areaList：为每个代码安排一次非递归获取，结果槽位与输入顺序一致
// 约束：结果切片在安排任务前一次分配，任务只写自己的槽位
func (r *Resolver) areaList(ctx context.Context, f *fanout, rel string, codes []string) []resource.Resource {
	nonEmpty := make([]string, 0, len(codes))
	for _, c := range codes {
		if c != "" {
			nonEmpty = append(nonEmpty, c)
		}
	}
	out := make([]resource.Resource, len(nonEmpty))
	for i, code := range nonEmpty {
		f.Go(func() {
			if a := r.embeddedArea(ctx, rel, code); a != nil {
				out[i] = a
			}
		})
	}
	return out
}

// compact：去掉未找到留下的空槽
func compact(rs []resource.Resource) []resource.Resource {
	out := make([]resource.Resource, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// examplePostcodes：随机选取仍在使用的示例邮编
func (r *Resolver) examplePostcodes(ctx context.Context, code string, n int) []resource.Resource {
	res := r.search(ctx, "example_postcodes", store.Request{
		Collections: []store.Collection{store.Postcodes},
		Query:       store.Query{Text: code, Missing: []string{"doterm"}},
		Sort:        store.Sort{Kind: store.SortRandom},
		Size:        n,
	})
	out := make([]resource.Resource, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, resource.NewPostcode(h.ID, resource.PostcodeAttrs(h.Record, r.types)))
	}
	return out
}

// children：下级区域，按类型分组；areatype 非空时只取该类型
// 返回：分组、总数与各类型计数
func (r *Resolver) children(ctx context.Context, code, areatype string, limit int) ([]resource.Group, int, map[string]int) {
	q := store.Query{Terms: []store.Terms{{Field: "parent", Values: []string{code}}}}
	if areatype != "" {
		q.Terms = append(q.Terms, store.Terms{Field: "type", Values: []string{areatype}})
	}
	res := r.search(ctx, "children", store.Request{
		Collections:    []store.Collection{store.Areas},
		Query:          q,
		Sort:           store.Sort{Kind: store.SortField, Field: "name"},
		Size:           limit,
		Exclude:        []string{"boundary"},
		AggregateField: "type",
		AggregateSize:  childrenLimit,
	})
	counts := make(map[string]int, len(res.Buckets))
	for _, b := range res.Buckets {
		counts[b.Key] = b.Count
	}
	byType := map[string][]resource.Resource{}
	for _, h := range res.Hits {
		t := h.Record.String("type")
		byType[t] = append(byType[t], r.shallowArea(h.ID, h.Record))
	}
	keys := make([]string, 0, len(byType))
	for k := range byType {
		keys = append(keys, k)
	}
	// 与聚合桶顺序一致：数量多的类型在前
	sort.SliceStable(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	groups := make([]resource.Group, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, resource.Group{Key: k, Items: byType[k]})
	}
	return groups, res.Total, counts
}

// Children：某区域下指定类型的全部下级区域
func (r *Resolver) Children(ctx context.Context, raw, areatype string) (*resource.Area, error) {
	code := ident.AreaID(raw)
	doc, err := r.get(ctx, store.Areas, code, "boundary")
	if err != nil {
		return nil, err
	}
	if !doc.Found {
		return resource.MissingArea(code), nil
	}
	groups, total, _ := r.children(ctx, code, areatype, -1)
	attrs := resource.AreaAttrs(code, doc.Record)
	attrs.Set("child_count", total)
	rels := []resource.Relationship{resource.Grouped("children", groups)}
	if at := r.staticAreaType(doc.Record.String("type")); at != nil {
		rels = append(rels, resource.One("areatype", at))
	}
	return resource.NewArea(code, attrs, false, nil, rels...), nil
}
