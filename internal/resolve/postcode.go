package resolve

import (
	"context"
	"sort"
	"strings"

	"postcode-api/internal/ident"
	"postcode-api/internal/resource"
	"postcode-api/internal/store"
)

// 取值为小整数的分类字段，永不当作区域代码
var notAreaFields = map[string]bool{"osgrdind": true, "usertype": true}

// Postcode：规范化后获取邮编，并解析其所属区域与附近地名
// 背景：无法规范化的输入按未找到处理，不是输入错误
func (r *Resolver) Postcode(ctx context.Context, raw string) (*resource.Postcode, error) {
	id, ok := ident.Postcode(raw)
	if !ok {
		return resource.MissingPostcode(strings.TrimSpace(raw)), nil
	}
	doc, err := r.get(ctx, store.Postcodes, id)
	if err != nil {
		return nil, err
	}
	if !doc.Found {
		return resource.MissingPostcode(id), nil
	}
	return r.postcodeFromRecord(ctx, id, doc.Record, 1), nil
}

// areaFields：记录中取值形如区域代码的字段，按字段名排序
func areaFields(rec store.Record) []string {
	var out []string
	for k, v := range rec {
		if notAreaFields[k] {
			continue
		}
		if s, ok := v.(string); ok && IsAreaCode(s) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) postcodeFromRecord(ctx context.Context, id string, rec store.Record, depth int) *resource.Postcode {
	attrs := resource.PostcodeAttrs(rec, r.types)
	if depth <= 0 {
		return resource.NewPostcode(id, attrs)
	}

	fields := areaFields(rec)
	// 同一代码可能出现在多个字段（如 laua 与 cty），只获取一次
	byCode := map[string]*resource.Area{}
	for _, f := range fields {
		byCode[rec.String(f)] = nil
	}
	codes := make([]string, 0, len(byCode))
	for c := range byCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	results := make([]*resource.Area, len(codes))

	var places []resource.Resource
	f := r.newFanout("postcode")
	for i, c := range codes {
		f.Go(func() { results[i] = r.embeddedArea(ctx, "areas", c) })
	}
	if lat, lon, ok := rec.Location(); ok {
		f.Go(func() { places = r.nearestPlaces(ctx, lat, lon, r.maxDistance, nearestPlacesCount, "") })
	}
	f.Wait()

	for i, c := range codes {
		byCode[c] = results[i]
	}
	var areas []resource.Resource
	seen := map[string]bool{}
	for _, field := range fields {
		a := byCode[rec.String(field)]
		if a == nil {
			continue
		}
		attrs.Set(field+"_name", a.Attributes().String("name"))
		if !seen[a.ID()] {
			seen[a.ID()] = true
			areas = append(areas, a)
		}
	}
	return resource.NewPostcode(id, attrs,
		resource.Many("areas", areas),
		resource.Many("nearest_places", places),
	)
}

// 哈希前缀的最小长度，避免全表扫描
const minHashPrefix = 3

// PostcodesByHash：按哈希前缀列出邮编，properties 非空时只返回这些字段
// 背景：以 _name 结尾的属性由对应代码字段查区域名称得到，区域不存在时为 null；对应的代码字段一并返回
// 约束：任一前缀短于 3 个字符即为输入错误
func (r *Resolver) PostcodesByHash(ctx context.Context, hashes []string, properties []string) ([]store.Record, error) {
	var prefixes []store.Prefix
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if len(h) < minHashPrefix {
			return nil, malformed("resolve.hash", "hash prefix must be at least 3 characters")
		}
		prefixes = append(prefixes, store.Prefix{Field: "hash", Value: h})
	}
	if len(prefixes) == 0 {
		return nil, malformed("resolve.hash", "at least one hash prefix is required")
	}

	var include, nameFields []string
	if len(properties) > 0 {
		include = append([]string{"hash"}, properties...)
		for _, p := range properties {
			if base, ok := strings.CutSuffix(p, "_name"); ok && base != "" {
				nameFields = append(nameFields, p)
				include = append(include, base)
			}
		}
	}
	out := []store.Record{}
	err := r.store.Scan(ctx, store.Postcodes, store.Query{Prefixes: prefixes}, include, func(h store.Hit) error {
		rec := h.Record.Clone()
		rec["postcode"] = h.ID
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, wrapStore("resolve.hash", err)
	}
	if len(nameFields) > 0 {
		r.fillAreaNames(ctx, out, nameFields)
	}
	return out, nil
}

// fillAreaNames：为 <field>_name 属性查区域名称，每个代码只获取一次
func (r *Resolver) fillAreaNames(ctx context.Context, recs []store.Record, nameFields []string) {
	names := map[string]string{}
	for _, rec := range recs {
		for _, nf := range nameFields {
			if code := rec.String(strings.TrimSuffix(nf, "_name")); code != "" {
				names[code] = ""
			}
		}
	}
	codes := make([]string, 0, len(names))
	for c := range names {
		codes = append(codes, c)
	}
	found := make([]string, len(codes))
	f := r.newFanout("hash_names")
	for i, c := range codes {
		f.Go(func() {
			if doc, ok := r.related(ctx, "hash_names", store.Areas, c, "boundary"); ok {
				found[i] = doc.Record.String("name")
			}
		})
	}
	f.Wait()
	for i, c := range codes {
		names[c] = found[i]
	}
	for _, rec := range recs {
		for _, nf := range nameFields {
			if name := names[rec.String(strings.TrimSuffix(nf, "_name"))]; name != "" {
				rec[nf] = name
			} else {
				rec[nf] = nil
			}
		}
	}
}
