package resolve

import (
	"context"
	"strings"

	"postcode-api/internal/apperr"
	"postcode-api/internal/ident"
	"postcode-api/internal/pagination"
	"postcode-api/internal/store"
)

// 邮编对账类型；其余类型按区域名称检索
const ReconcilePostcodeType = "/postcode"

// ReconcileQuery：OpenRefine 对账查询
type ReconcileQuery struct {
	Query string `json:"query"`
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ReconcileCandidate：一条对账候选
type ReconcileCandidate struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
	Match bool    `json:"match"`
}

// ReconcileResult：单个查询的候选列表
type ReconcileResult struct {
	Result []ReconcileCandidate `json:"result"`
}

// ExtendRequest：按邮编补充属性
type ExtendRequest struct {
	IDs        []string         `json:"ids"`
	Properties []ExtendProperty `json:"properties"`
}

// ExtendResponse：rows 以请求中的 id 为键
type ExtendResponse struct {
	Meta []ExtendProperty          `json:"meta"`
	Rows map[string]map[string]any `json:"rows"`
}

type ExtendProperty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Reconcile：单个查询
// 背景：/postcode 类型按邮编精确匹配，得分 100；其他类型走区域检索，并按类型过滤；名称完全相同（忽略大小写）才算匹配
func (r *Resolver) Reconcile(ctx context.Context, q ReconcileQuery) ([]ReconcileCandidate, error) {
	out := []ReconcileCandidate{}
	query := strings.TrimSpace(q.Query)
	if query == "" {
		return out, nil
	}
	if q.Type == ReconcilePostcodeType {
		pc, err := r.Postcode(ctx, query)
		if err != nil {
			return nil, err
		}
		if pc.Found() {
			out = append(out, ReconcileCandidate{ID: pc.ID(), Name: pc.ID(), Type: ReconcilePostcodeType, Score: 100, Match: true})
		}
		return out, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchPageSize
	}
	res, err := r.SearchAreas(ctx, query, pagination.Request{Page: 1, Size: min(limit, MaxSearchPageSize)})
	if err != nil {
		return nil, err
	}
	for i, item := range res.Items {
		typ := "/" + item.Kind().Slug()
		if q.Type != "" && q.Type != typ {
			continue
		}
		name := item.Attributes().String("name")
		out = append(out, ReconcileCandidate{
			ID:    item.ID(),
			Name:  name,
			Type:  typ,
			Score: res.Scores[i],
			Match: strings.EqualFold(name, query),
		})
	}
	return out, nil
}

// ReconcileBatch：按键并发执行多个查询
// 约束：任一查询的存储故障使整批失败；输入错误只让该查询没有候选
func (r *Resolver) ReconcileBatch(ctx context.Context, queries map[string]ReconcileQuery) (map[string]ReconcileResult, error) {
	keys := make([]string, 0, len(queries))
	for k := range queries {
		keys = append(keys, k)
	}
	results := make([][]ReconcileCandidate, len(keys))
	errs := make([]error, len(keys))
	f := r.newFanout("reconcile")
	for i, k := range keys {
		f.Go(func() { results[i], errs[i] = r.Reconcile(ctx, queries[k]) })
	}
	f.Wait()

	out := make(map[string]ReconcileResult, len(keys))
	for i, k := range keys {
		if errs[i] != nil && !apperr.Is(errs[i], apperr.KindMalformedInput) {
			return nil, errs[i]
		}
		if results[i] == nil {
			results[i] = []ReconcileCandidate{}
		}
		out[k] = ReconcileResult{Result: results[i]}
	}
	return out, nil
}

// ExtendProperties：对账补充时建议的邮编属性
var ExtendProperties = []string{
	"lat", "long", "oseast1m", "osnrth1m",
	"laua", "laua_name", "ward", "ward_name", "pcon", "pcon_name",
	"rgn", "rgn_name", "ctry", "ctry_name",
}

// Extend：为每个邮编取所请求的属性（含 <field>_name），不存在的邮编各属性为 null
// 约束：取值规则与 EnrichCSV 相同，区域名称每次调用只查一次
func (r *Resolver) Extend(ctx context.Context, req ExtendRequest) (ExtendResponse, error) {
	props := make([]string, 0, len(req.Properties))
	resp := ExtendResponse{Meta: []ExtendProperty{}, Rows: map[string]map[string]any{}}
	for _, p := range req.Properties {
		props = append(props, p.ID)
		resp.Meta = append(resp.Meta, ExtendProperty{ID: p.ID, Name: p.ID})
	}
	var ids []string
	for _, id := range req.IDs {
		if _, dup := resp.Rows[id]; !dup {
			resp.Rows[id] = nil
			ids = append(ids, id)
		}
	}
	docs := make([]store.Doc, len(ids))
	errs := make([]error, len(ids))
	f := r.newFanout("reconcile_extend")
	for i, id := range ids {
		pc, ok := ident.Postcode(id)
		if !ok {
			continue
		}
		f.Go(func() { docs[i], errs[i] = r.get(ctx, store.Postcodes, pc) })
	}
	f.Wait()

	names := newNameCache()
	for i, id := range ids {
		if errs[i] != nil {
			return ExtendResponse{}, wrapStore("resolve.extend", errs[i])
		}
		row := make(map[string]any, len(props))
		for _, p := range props {
			row[p] = nil
			if docs[i].Found {
				row[p] = r.csvValue(ctx, docs[i].Record, p, names)
			}
		}
		resp.Rows[id] = row
	}
	return resp, nil
}
