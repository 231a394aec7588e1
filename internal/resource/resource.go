// 包 resource：地理实体模型（邮编、区域、区域类型、地名、坐标点）与超媒体文档序列化
package resource

import (
	"context"
	"strings"

	"postcode-api/internal/apperr"
	"postcode-api/internal/boundary"
	"postcode-api/internal/ident"
	"postcode-api/internal/pagination"
)

// Kind：实体种类，集合封闭
type Kind int

const (
	KindPostcode Kind = iota + 1
	KindArea
	KindAreaType
	KindPlace
	KindPoint
)

// Slug：URL 路径段，同时作为文档中的 type
func (k Kind) Slug() string {
	switch k {
	case KindPostcode:
		return "postcodes"
	case KindArea:
		return "areas"
	case KindAreaType:
		return "areatypes"
	case KindPlace:
		return "places"
	case KindPoint:
		return "points"
	}
	return ""
}

// Resource：五种实体共享的能力契约
// 约束：未找到的实体属性与关系均为空；构造后不可变，边界几何除外
type Resource interface {
	Kind() Kind
	ID() string
	Found() bool
	Attributes() *Attrs
	Relationships() []Relationship
	Relationship(name string) (Relationship, bool)
	Errors() []ErrorObject
	Problem() *apperr.Error

	// 以下为各变体的序列化钩子
	jsonAttributes() *Attrs
	documentLinks() map[string]string
}

// Relationship：单值、列表或按键分组的关联
type Relationship struct {
	Name   string
	One    Resource
	Many   []Resource
	Groups []Group
	shape  relShape
}

type relShape int

const (
	shapeOne relShape = iota
	shapeMany
	shapeGroups
)

// Group：分组关联中的一组，例如某一区域类型下的子区域
type Group struct {
	Key   string
	Items []Resource
}

func One(name string, r Resource) Relationship {
	return Relationship{Name: name, One: r, shape: shapeOne}
}

func Many(name string, rs []Resource) Relationship {
	return Relationship{Name: name, Many: rs, shape: shapeMany}
}

func Grouped(name string, gs []Group) Relationship {
	return Relationship{Name: name, Groups: gs, shape: shapeGroups}
}

// Targets：关联指向的全部实体，按出现顺序
func (r Relationship) Targets() []Resource {
	switch r.shape {
	case shapeOne:
		if r.One == nil {
			return nil
		}
		return []Resource{r.One}
	case shapeMany:
		return r.Many
	}
	var out []Resource
	for _, g := range r.Groups {
		out = append(out, g.Items...)
	}
	return out
}

// core：各变体共享的字段与默认实现
type core struct {
	kind    Kind
	id      string
	found   bool
	attrs   *Attrs
	rels    []Relationship
	problem *apperr.Error
}

func newCore(kind Kind, id string, attrs *Attrs, rels []Relationship) core {
	if attrs == nil {
		attrs = NewAttrs()
	}
	return core{kind: kind, id: id, found: true, attrs: attrs, rels: dropEmpty(rels)}
}

func missingCore(kind Kind, id string, problem *apperr.Error) core {
	if problem == nil {
		problem = apperr.NotFound(kind.Slug() + " " + id + " could not be found")
	}
	return core{kind: kind, id: id, attrs: NewAttrs(), problem: problem}
}

// dropEmpty：去掉没有目标的单值关联
func dropEmpty(rels []Relationship) []Relationship {
	out := rels[:0:0]
	for _, r := range rels {
		if r.shape == shapeOne && r.One == nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (c *core) Kind() Kind  { return c.kind }
func (c *core) ID() string  { return c.id }
func (c *core) Found() bool { return c.found }

func (c *core) Attributes() *Attrs { return c.attrs }

func (c *core) Relationships() []Relationship { return c.rels }

func (c *core) Relationship(name string) (Relationship, bool) {
	for _, r := range c.rels {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

func (c *core) Problem() *apperr.Error { return c.problem }

func (c *core) Errors() []ErrorObject {
	if c.problem == nil {
		return nil
	}
	return []ErrorObject{NewErrorObject(c.problem)}
}

func (c *core) jsonAttributes() *Attrs { return c.attrs }

func (c *core) documentLinks() map[string]string { return nil }

// Path：实体路径，空格以 + 表示
func Path(kind Kind, id, filetype string) string {
	p := "/" + kind.Slug() + "/" + strings.ReplaceAll(id, " ", "+")
	if filetype != "" {
		p += "." + filetype
	}
	return p
}

// RelationshipPath：related=true 为 /slug/id/rel，否则为 /slug/id/relationships/rel
func RelationshipPath(kind Kind, id, rel string, related bool) string {
	base := Path(kind, id, "")
	if related {
		return base + "/" + rel
	}
	return base + "/relationships/" + rel
}

// Postcode：邮编
type Postcode struct{ core }

func NewPostcode(id string, attrs *Attrs, rels ...Relationship) *Postcode {
	return &Postcode{newCore(KindPostcode, id, attrs, rels)}
}

func MissingPostcode(id string) *Postcode {
	return &Postcode{missingCore(KindPostcode, id, nil)}
}

// 邮编日期字段在内部保持 time.Time，序列化时格式化
var postcodeDateFields = []string{"dointr", "doterm"}

func (p *Postcode) jsonAttributes() *Attrs { return formatDates(p.attrs, postcodeDateFields) }

// Area：区域
type Area struct {
	core
	hasBoundary bool
	boundary    *boundary.Lazy
}

var areaDateFields = []string{"date_start", "date_end"}

// NewArea：hasBoundary 由解析阶段的存在性检查给出；bl 为惰性加载句柄，可为 nil
func NewArea(id string, attrs *Attrs, hasBoundary bool, bl *boundary.Lazy, rels ...Relationship) *Area {
	return &Area{core: newCore(KindArea, id, attrs, rels), hasBoundary: hasBoundary, boundary: bl}
}

func MissingArea(id string) *Area {
	return &Area{core: missingCore(KindArea, id, nil)}
}

func (a *Area) HasBoundary() bool { return a.hasBoundary }

// LoadBoundary：加载边界几何，可重复调用，不存在时返回 nil
func (a *Area) LoadBoundary(ctx context.Context) (*boundary.Geometry, error) {
	if !a.found {
		return nil, nil
	}
	return a.boundary.Load(ctx)
}

func (a *Area) jsonAttributes() *Attrs { return formatDates(a.attrs, areaDateFields) }

func (a *Area) documentLinks() map[string]string {
	if !a.hasBoundary {
		return nil
	}
	return map[string]string{"geojson": Path(KindArea, a.id, "geojson")}
}

// AreaType：区域类型或实体前缀
type AreaType struct {
	core
	page *pagination.Page
}

// NewAreaType：page 非空时文档链接带上分页导航
func NewAreaType(id string, attrs *Attrs, page *pagination.Page, rels ...Relationship) *AreaType {
	return &AreaType{core: newCore(KindAreaType, id, attrs, rels), page: page}
}

func MissingAreaType(id string) *AreaType {
	return &AreaType{core: missingCore(KindAreaType, id, apperr.InvalidAreaType(id))}
}

func (t *AreaType) Page() *pagination.Page { return t.page }

func (t *AreaType) documentLinks() map[string]string {
	if t.page == nil {
		return nil
	}
	out := map[string]string{}
	for name, q := range t.page.Links() {
		out[name] = Path(KindAreaType, t.id, "") + "?" + q.Encode()
	}
	return out
}

// Place：地名
type Place struct{ core }

func NewPlace(id string, attrs *Attrs, rels ...Relationship) *Place {
	return &Place{newCore(KindPlace, id, attrs, rels)}
}

func MissingPlace(id string) *Place {
	return &Place{missingCore(KindPlace, id, nil)}
}

// Point：坐标点，不对应存储记录
type Point struct {
	core
	loc ident.LatLon
}

// NewPoint：problem 非空表示最近邮编超出覆盖范围，实体仍为已找到但文档渲染为错误
func NewPoint(loc ident.LatLon, attrs *Attrs, problem *apperr.Error, rels ...Relationship) *Point {
	p := &Point{core: newCore(KindPoint, loc.String(), attrs, rels), loc: loc}
	p.problem = problem
	return p
}

// MissingPoint：没有任何候选邮编
func MissingPoint(loc ident.LatLon) *Point {
	return &Point{
		core: missingCore(KindPoint, loc.String(), apperr.New(apperr.KindNoPostcodeFound, "No postcode found near "+loc.String())),
		loc:  loc,
	}
}

func (p *Point) Location() ident.LatLon { return p.loc }
