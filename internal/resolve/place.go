package resolve

import (
	"context"
	"sort"

	"postcode-api/internal/ident"
	"postcode-api/internal/resource"
	"postcode-api/internal/store"
)

// 地名中只有“地点”类记录参与就近地名查询
const placeLocality = "LOC"

// Place：获取地名，并解析其所属区域、附近邮编与附近地名
func (r *Resolver) Place(ctx context.Context, raw string) (*resource.Place, error) {
	code := ident.AreaID(raw)
	doc, err := r.get(ctx, store.Places, code)
	if err != nil {
		return nil, err
	}
	if !doc.Found {
		return resource.MissingPlace(code), nil
	}
	return r.placeFromRecord(ctx, code, doc.Record, 1), nil
}

// placeAreaCodes：地名记录 areas 子字段中的区域代码，去重后按字段名顺序
func placeAreaCodes(rec store.Record) []string {
	m, ok := rec["areas"].(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen := map[string]bool{}
	var out []string
	for _, k := range keys {
		s, ok := m[k].(string)
		if !ok || !IsAreaCode(s) || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (r *Resolver) placeFromRecord(ctx context.Context, code string, rec store.Record, depth int) *resource.Place {
	attrs := resource.PlaceAttrs(rec)
	if depth <= 0 {
		return resource.NewPlace(code, attrs)
	}
	codes := placeAreaCodes(rec)
	areas := make([]resource.Resource, len(codes))
	var postcodes, places []resource.Resource

	f := r.newFanout("place")
	for i, c := range codes {
		f.Go(func() {
			if a := r.embeddedArea(ctx, "areas", c); a != nil {
				areas[i] = a
			}
		})
	}
	if lat, lon, ok := rec.Location(); ok {
		f.Go(func() { postcodes = r.nearestPostcodes(ctx, lat, lon, r.maxDistance, nearestPostcodesCount) })
		f.Go(func() { places = r.nearestPlaces(ctx, lat, lon, r.maxDistance, nearestPlacesCount, code) })
	}
	f.Wait()

	return resource.NewPlace(code, attrs,
		resource.Many("areas", compact(areas)),
		resource.Many("nearest_postcodes", postcodes),
		resource.Many("nearest_places", places),
	)
}

// nearestPlaces：半径内按距离排序的地点，exclude 为需要排除的自身代码
func (r *Resolver) nearestPlaces(ctx context.Context, lat, lon, radius float64, n int, exclude string) []resource.Resource {
	size := n
	if exclude != "" {
		size++
	}
	res := r.search(ctx, "nearest_places", store.Request{
		Collections: []store.Collection{store.Places},
		Query: store.Query{
			Terms:   []store.Terms{{Field: "descnm", Values: []string{placeLocality}}},
			Missing: []string{"doterm"},
			Near:    &store.Near{Lat: lat, Lon: lon, Meters: r.ClampRadius(radius)},
		},
		Sort: store.Sort{Kind: store.SortDistance, Lat: lat, Lon: lon},
		Size: size,
	})
	out := make([]resource.Resource, 0, n)
	for _, h := range res.Hits {
		if h.ID == exclude || len(out) >= n {
			continue
		}
		out = append(out, resource.NewPlace(h.ID, withDistance(resource.PlaceAttrs(h.Record), h)))
	}
	return out
}

// nearestPostcodes：半径内按距离排序、仍在使用的邮编
func (r *Resolver) nearestPostcodes(ctx context.Context, lat, lon, radius float64, n int) []resource.Resource {
	res := r.search(ctx, "nearest_postcodes", store.Request{
		Collections: []store.Collection{store.Postcodes},
		Query: store.Query{
			Missing: []string{"doterm"},
			Near:    &store.Near{Lat: lat, Lon: lon, Meters: r.ClampRadius(radius)},
		},
		Sort: store.Sort{Kind: store.SortDistance, Lat: lat, Lon: lon},
		Size: n,
	})
	out := make([]resource.Resource, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, resource.NewPostcode(h.ID, withDistance(resource.PostcodeAttrs(h.Record, r.types), h)))
	}
	return out
}

// withDistance：就近列表中的条目带上与查询点的距离
func withDistance(a *resource.Attrs, h store.Hit) *resource.Attrs {
	if len(h.Sort) > 0 {
		a.Set("distance", h.Sort[0])
	}
	return a
}

// 就近列表条目上限
const nearbyLimit = 100

// PlacePostcodes：地名周边 within 米内的邮编
// 约束：within 超过上限被截断，不报错
func (r *Resolver) PlacePostcodes(ctx context.Context, raw string, within float64) (*resource.Place, error) {
	return r.placeNearby(ctx, raw, within, "nearest_postcodes")
}

// PlacePlaces：地名周边 within 米内的其他地点
func (r *Resolver) PlacePlaces(ctx context.Context, raw string, within float64) (*resource.Place, error) {
	return r.placeNearby(ctx, raw, within, "nearest_places")
}

func (r *Resolver) placeNearby(ctx context.Context, raw string, within float64, rel string) (*resource.Place, error) {
	code := ident.AreaID(raw)
	doc, err := r.get(ctx, store.Places, code)
	if err != nil {
		return nil, err
	}
	if !doc.Found {
		return resource.MissingPlace(code), nil
	}
	attrs := resource.PlaceAttrs(doc.Record)
	lat, lon, ok := doc.Record.Location()
	if !ok {
		return resource.NewPlace(code, attrs, resource.Many(rel, nil)), nil
	}
	radius := r.ClampRadius(within)
	attrs.Set("within", radius)
	var items []resource.Resource
	if rel == "nearest_postcodes" {
		items = r.nearestPostcodes(ctx, lat, lon, radius, nearbyLimit)
	} else {
		items = r.nearestPlaces(ctx, lat, lon, radius, nearbyLimit, code)
	}
	return resource.NewPlace(code, attrs, resource.Many(rel, items)), nil
}

// NearestPlaces：坐标周边的地点列表
func (r *Resolver) NearestPlaces(ctx context.Context, loc ident.LatLon, n int) []resource.Resource {
	if n <= 0 {
		n = nearestPlacesCount
	}
	return r.nearestPlaces(ctx, loc.Lat, loc.Lon, r.maxDistance, n, "")
}
