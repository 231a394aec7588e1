package resolve

import (
	"context"
	"strings"

	"postcode-api/internal/apperr"
	"postcode-api/internal/pagination"
	"postcode-api/internal/resource"
	"postcode-api/internal/store"
)

const (
	DefaultSearchPageSize = 10
	MaxSearchPageSize     = 100
)

// 区域检索的类型权重：国家、地区级最高，统计小区最低，已废止的区域降权
var searchBoosts = []store.Boost{
	{Field: "active", Values: []string{"false"}, Weight: 0.1},
	{Field: "type", Weight: 6},
	{Field: "type", Values: []string{"ctry", "region", "cty", "laua", "rgn", "LOC"}, Weight: 3},
	{Field: "type", Values: []string{"ttwa", "pfa", "lep", "park", "pcon"}, Weight: 2},
	{Field: "type", Values: []string{"ccg", "hlthau", "hro", "pct"}, Weight: 1.5},
	{Field: "type", Values: []string{"eer", "bua11", "buasd11", "teclec"}, Weight: 1},
	{Field: "type", Values: []string{"msoa11", "lsoa11", "wz11", "oa11", "nuts", "ward"}, Weight: 0.4},
}

// SearchResult：检索结果及分页
type SearchResult struct {
	Items  []resource.Resource
	Scores []float64
	Page   pagination.Page
}

// SearchAreas：按名称在区域与地名中加权全文检索
// 约束：空查询是输入错误
func (r *Resolver) SearchAreas(ctx context.Context, q string, page pagination.Request) (SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return SearchResult{}, malformed("resolve.search", "search query is empty")
	}
	page = withDefaultSize(page, DefaultSearchPageSize)
	res, err := r.store.Search(ctx, store.Request{
		Collections: []store.Collection{store.Areas, store.Places},
		Query:       store.Query{Text: q, Boosts: searchBoosts},
		Sort:        store.Sort{Kind: store.SortScore},
		From:        page.Offset(),
		Size:        page.Size,
		Exclude:     []string{"boundary"},
	})
	if err != nil {
		return SearchResult{}, wrapStore("resolve.search", err)
	}
	out := SearchResult{Page: pagination.Calculate(page, res.Total)}
	for _, h := range res.Hits {
		if h.Collection == store.Places {
			out.Items = append(out.Items, resource.NewPlace(h.ID, resource.PlaceAttrs(h.Record)))
		} else {
			out.Items = append(out.Items, r.shallowArea(h.ID, h.Record))
		}
		out.Scores = append(out.Scores, h.Score)
	}
	return out, nil
}

func withDefaultSize(page pagination.Request, def int) pagination.Request {
	if page.DefaultSize <= 0 {
		page.DefaultSize = def
	}
	if page.Size <= 0 {
		page.Size = page.DefaultSize
	}
	return page
}

func malformed(op, msg string) error {
	return apperr.Malformed(msg).WithOp(op)
}

// wrapStore：存储故障统一归为内部错误
func wrapStore(op string, err error) error {
	return apperr.Wrap(apperr.KindInternal, "store unavailable", err).WithOp(op)
}
