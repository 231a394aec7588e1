package resolve

import (
	"context"
	"fmt"

	"postcode-api/internal/apperr"
	"postcode-api/internal/ident"
	"postcode-api/internal/metrics"
	"postcode-api/internal/resource"
	"postcode-api/internal/store"
)

// Point：坐标点到最近邮编
// 背景：先在覆盖上限内查找；超出上限时逐级放宽半径，只为报告最近邮编的距离
// 返回：
//   - 没有任何候选：未找到实体（no_postcode_found，404）
//   - 最近邮编超过上限：已找到实体附带 point_outside_uk 问题（400），meta 中带距离与邮编
//   - 否则：nearest_postcode 关联（浅层邮编）与 distance_from_postcode 属性（米，取存储的距离排序值）
func (r *Resolver) Point(ctx context.Context, loc ident.LatLon) (*resource.Point, error) {
	hit, ok, err := r.nearestPostcode(ctx, loc)
	if err != nil {
		return nil, wrapStore("resolve.point", err)
	}
	if !ok {
		return resource.MissingPoint(loc), nil
	}
	var distance float64
	if len(hit.Sort) > 0 {
		distance = hit.Sort[0]
	} else if lat, lon, ok := hit.Record.Location(); ok {
		distance = store.DistanceMeters(loc.Lat, loc.Lon, lat, lon)
	}

	attrs := resource.NewAttrs()
	attrs.Set("lat", loc.Lat)
	attrs.Set("lon", loc.Lon)
	attrs.Set("distance_from_postcode", distance)

	if distance > r.maxDistance {
		metrics.PointOutsideCoverageTotal.Inc()
		problem := apperr.New(apperr.KindPointOutsideCoverage, fmt.Sprintf(
			"Nearest postcode (%s) is more than %gkm away (%s). Are you sure this point is in the UK?",
			hit.ID, r.maxDistance/1000, formatKm(distance),
		)).WithOp("resolve.point").
			WithMeta("distance", distance).
			WithMeta("postcode", hit.ID)
		return resource.NewPoint(loc, attrs, problem), nil
	}

	// 最近邮编是坐标点的一层关联，按嵌入实体构造，不再展开其区域与地名
	pc := r.postcodeFromRecord(ctx, hit.ID, hit.Record, 0)
	return resource.NewPoint(loc, attrs, nil, resource.One("nearest_postcode", pc)), nil
}

// 单点查询的搜索半径序列（上限的倍数），0 表示不限半径
var nearestRadii = []float64{1, 10, 0}

// nearestPostcode：按 nearestRadii 逐级查找最近的仍在使用的邮编，命中即停
// 约束：每级只取一条且不计总数，半径内的最近者即全局最近者
func (r *Resolver) nearestPostcode(ctx context.Context, loc ident.LatLon) (store.Hit, bool, error) {
	for _, k := range nearestRadii {
		res, err := r.store.Search(ctx, store.Request{
			Collections: []store.Collection{store.Postcodes},
			Query: store.Query{
				Missing: []string{"doterm"},
				Near:    &store.Near{Lat: loc.Lat, Lon: loc.Lon, Meters: k * r.maxDistance},
			},
			Sort:    store.Sort{Kind: store.SortDistance, Lat: loc.Lat, Lon: loc.Lon},
			Size:    1,
			NoTotal: true,
		})
		if err != nil {
			return store.Hit{}, false, err
		}
		if len(res.Hits) > 0 {
			return res.Hits[0], true, nil
		}
	}
	return store.Hit{}, false, nil
}

// formatKm：千米，一位小数，千位分隔
func formatKm(meters float64) string {
	s := fmt.Sprintf("%.1f", meters/1000)
	intPart, frac := s[:len(s)-2], s[len(s)-2:]
	neg := false
	if len(intPart) > 0 && intPart[0] == '-' {
		neg, intPart = true, intPart[1:]
	}
	var out []byte
	for i := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, intPart[i])
	}
	if neg {
		return "-" + string(out) + frac + "km"
	}
	return string(out) + frac + "km"
}
