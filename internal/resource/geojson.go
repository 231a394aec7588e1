package resource

import (
	"context"

	"postcode-api/internal/apperr"
	"postcode-api/internal/boundary"
)

type Feature struct {
	Type       string             `json:"type"`
	Geometry   *boundary.Geometry `json:"geometry"`
	Properties *Attrs             `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// GeoJSON：加载区域边界并组装 FeatureCollection
// 约束：没有边界的区域跳过；一个要素都没有时返回 NotFound，不输出空要素
func GeoJSON(ctx context.Context, areas ...*Area) (*FeatureCollection, error) {
	fc := &FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for _, a := range areas {
		if a == nil || !a.Found() || !a.HasBoundary() {
			continue
		}
		g, err := a.LoadBoundary(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "boundary could not be loaded", err).WithOp("resource.geojson")
		}
		if g == nil {
			continue
		}
		fc.Features = append(fc.Features, Feature{
			Type:       "Feature",
			Geometry:   g,
			Properties: a.jsonAttributes(),
		})
	}
	if len(fc.Features) == 0 {
		return nil, apperr.NotFound("boundary not found")
	}
	return fc, nil
}
