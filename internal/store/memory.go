package store

import (
	"context"
	"io"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Memory：进程内实现，用于测试与无数据库的本地运行
type Memory struct {
	mu   sync.RWMutex
	data map[Collection]map[string]Record
}

func NewMemory() *Memory {
	return &Memory{data: map[Collection]map[string]Record{}}
}

// Put：写入或覆盖一条记录
func (m *Memory) Put(c Collection, id string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[c] == nil {
		m.data[c] = map[string]Record{}
	}
	m.data[c][id] = rec
}

// LoadJSONLines：装载 JSON Lines 夹具文件
// 返回：成功写入条数
func (m *Memory) LoadJSONLines(r io.Reader) (int, error) {
	return ReadJSONLines(r, func(c Collection, id string, rec Record) error {
		m.Put(c, id, rec)
		return nil
	})
}

func (m *Memory) Get(ctx context.Context, c Collection, id string, exclude ...string) (Doc, error) {
	if err := ctx.Err(); err != nil {
		return Doc{}, err
	}
	m.mu.RLock()
	rec, ok := m.data[c][id]
	m.mu.RUnlock()
	if !ok {
		return Doc{ID: id, Collection: c}, nil
	}
	return Doc{ID: id, Collection: c, Found: true, Record: rec.Project(nil, exclude)}, nil
}

func (m *Memory) Search(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	hits := m.match(req.Collections, req.Query)
	sortHits(hits, req.Sort)

	res := Result{Total: len(hits)}
	if req.AggregateField != "" {
		res.Buckets = aggregate(hits, req.AggregateField, req.AggregateSize)
	}
	from := max(req.From, 0)
	if from > len(hits) {
		from = len(hits)
	}
	end := len(hits)
	if req.Size >= 0 && from+req.Size < end {
		end = from + req.Size
	}
	for _, h := range hits[from:end] {
		h.Record = h.Record.Project(req.Include, req.Exclude)
		res.Hits = append(res.Hits, h)
	}
	if req.NoTotal {
		res.Total = from + len(res.Hits)
	}
	return res, nil
}

func (m *Memory) Scan(ctx context.Context, c Collection, q Query, include []string, fn func(Hit) error) error {
	hits := m.match([]Collection{c}, q)
	sortHits(hits, Sort{})
	for _, h := range hits {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.Record = h.Record.Project(include, nil)
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) match(cols []Collection, q Query) []Hit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := tokenize(q.Text)
	var out []Hit
	for _, c := range cols {
		for id, rec := range m.data[c] {
			score, ok := matchRecord(rec, q, terms)
			if !ok {
				continue
			}
			h := Hit{ID: id, Collection: c, Record: rec, Score: score}
			if q.Near != nil {
				lat, lon, has := rec.Location()
				if !has {
					continue
				}
				d := DistanceMeters(q.Near.Lat, q.Near.Lon, lat, lon)
				if q.Near.Meters > 0 && d > q.Near.Meters {
					continue
				}
			}
			out = append(out, h)
		}
	}
	return out
}

func matchRecord(rec Record, q Query, terms []string) (float64, bool) {
	for _, t := range q.Terms {
		if !fieldIn(rec, t.Field, t.Values) {
			return 0, false
		}
	}
	if len(q.AnyOf) > 0 {
		hit := false
		for _, t := range q.AnyOf {
			if fieldIn(rec, t.Field, t.Values) {
				hit = true
				break
			}
		}
		if !hit {
			return 0, false
		}
	}
	if len(q.Prefixes) > 0 {
		hit := false
		for _, p := range q.Prefixes {
			if strings.HasPrefix(rec.String(p.Field), p.Value) {
				hit = true
				break
			}
		}
		if !hit {
			return 0, false
		}
	}
	for _, f := range q.Missing {
		if rec.String(f) != "" {
			return 0, false
		}
	}
	score := 1.0
	if len(terms) > 0 {
		counts := map[string]int{}
		collectTokens(rec, counts)
		score = 0
		for _, t := range terms {
			n := counts[t]
			if n == 0 {
				return 0, false
			}
			score += float64(n)
		}
	}
	for _, b := range q.Boosts {
		if boostHit(rec, b) {
			score *= b.Weight
		}
	}
	return score, true
}

func fieldIn(rec Record, field string, values []string) bool {
	for _, v := range rec.Strings(field) {
		for _, want := range values {
			if v == want {
				return true
			}
		}
	}
	return false
}

func boostHit(rec Record, b Boost) bool {
	if len(b.Values) == 0 {
		return rec.String(b.Field) != ""
	}
	return fieldIn(rec, b.Field, b.Values)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func collectTokens(v any, counts map[string]int) {
	switch x := v.(type) {
	case Record:
		for _, vv := range x {
			collectTokens(vv, counts)
		}
	case map[string]any:
		for _, vv := range x {
			collectTokens(vv, counts)
		}
	case []any:
		for _, vv := range x {
			collectTokens(vv, counts)
		}
	case string:
		for _, t := range tokenize(x) {
			counts[t]++
		}
	}
}

func sortHits(hits []Hit, s Sort) {
	switch s.Kind {
	case SortRandom:
		rand.Shuffle(len(hits), func(i, j int) { hits[i], hits[j] = hits[j], hits[i] })
		return
	case SortDistance:
		for i := range hits {
			lat, lon, _ := hits[i].Record.Location()
			hits[i].Sort = []float64{DistanceMeters(s.Lat, s.Lon, lat, lon)}
		}
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Sort[0] != hits[j].Sort[0] {
				return hits[i].Sort[0] < hits[j].Sort[0]
			}
			return hits[i].ID < hits[j].ID
		})
		return
	}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		switch s.Kind {
		case SortScore:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		case SortField:
			av, bv := a.Record.String(s.Field), b.Record.String(s.Field)
			if av != bv {
				if s.Desc {
					return av > bv
				}
				return av < bv
			}
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		return a.ID < b.ID
	})
}

func aggregate(hits []Hit, field string, size int) []Bucket {
	counts := map[string]int{}
	for _, h := range hits {
		for _, v := range h.Record.Strings(field) {
			counts[v]++
		}
	}
	out := make([]Bucket, 0, len(counts))
	for k, n := range counts {
		out = append(out, Bucket{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out
}
