// 包 pagination：分页计算，纯函数，仅依赖 (page, size, total) 与调用方传入的附带参数
package pagination

import (
	"net/url"
	"strconv"
)

// 查询参数名
const (
	PageParam = "p"
	SizeParam = "size"
)

// Request：一次分页请求
// Extra 为需要在导航链接中保留的其他查询参数（如 q）
type Request struct {
	Page        int
	Size        int
	DefaultSize int
	Extra       url.Values
}

// Page：计算结果，导航链接为 nil 表示省略
type Page struct {
	Page    int
	Size    int
	Offset  int
	Total   int
	MaxPage int

	Next  url.Values
	Prev  url.Values
	First url.Values
	Last  url.Values
}

// ParsePage：页码解析，缺失、非数字或小于 1 一律为 1
func ParsePage(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ParseSize：页大小解析，非法值回退默认，超过上限时截断
func ParseSize(raw string, def, limit int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if limit > 0 && n > limit {
		return limit
	}
	return n
}

// FromQuery：从 URL 查询构造请求，除 p 与 size 外的参数原样保留
func FromQuery(q url.Values, def, limit int) Request {
	extra := url.Values{}
	for k, v := range q {
		if k == PageParam || k == SizeParam {
			continue
		}
		extra[k] = append([]string(nil), v...)
	}
	return Request{
		Page:        ParsePage(q.Get(PageParam)),
		Size:        ParseSize(q.Get(SizeParam), def, limit),
		DefaultSize: def,
		Extra:       extra,
	}
}

// Offset：查询执行前即可得到的偏移
func (r Request) Offset() int {
	page, size := r.normalized()
	return (page - 1) * size
}

func (r Request) normalized() (int, int) {
	page, size := r.Page, r.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = r.DefaultSize
	}
	if size < 1 {
		size = 1
	}
	return page, size
}

// Calculate：总数已知后计算页码与导航
// 约束：next 在 page>=max 时省略，prev 在 page<=1 时省略，first 在 page<=2 时省略，last 在 page>=max-1 时省略
func Calculate(r Request, total int) Page {
	page, size := r.normalized()
	if total < 0 {
		total = 0
	}
	maxPage := (total + size - 1) / size
	p := Page{
		Page:    page,
		Size:    size,
		Offset:  (page - 1) * size,
		Total:   total,
		MaxPage: maxPage,
	}
	link := func(n int) url.Values {
		v := url.Values{}
		for k, vals := range r.Extra {
			v[k] = append([]string(nil), vals...)
		}
		v.Set(PageParam, strconv.Itoa(n))
		if size != r.DefaultSize {
			v.Set(SizeParam, strconv.Itoa(size))
		}
		return v
	}
	if page < maxPage {
		p.Next = link(page + 1)
	}
	if page > 1 {
		p.Prev = link(page - 1)
	}
	if page > 2 {
		p.First = link(1)
	}
	if page < maxPage-1 {
		p.Last = link(maxPage)
	}
	return p
}

// Links：以名称索引的非空导航参数
func (p Page) Links() map[string]url.Values {
	out := map[string]url.Values{}
	for name, v := range map[string]url.Values{"next": p.Next, "prev": p.Prev, "first": p.First, "last": p.Last} {
		if v != nil {
			out[name] = v
		}
	}
	return out
}
