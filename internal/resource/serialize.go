package resource

import (
	"encoding/json"
	"net/http"
	"strconv"

	"postcode-api/internal/apperr"
	"postcode-api/internal/pagination"
)

// Role：序列化角色
type Role int

const (
	RoleTop Role = iota
	RoleIdentifier
	RoleEmbedded
)

// ErrorObject：错误信封中的单条错误
type ErrorObject struct {
	Status string         `json:"status"`
	Code   string         `json:"code"`
	Title  string         `json:"title"`
	Detail string         `json:"detail,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func NewErrorObject(e *apperr.Error) ErrorObject {
	return ErrorObject{
		Status: strconv.Itoa(e.HTTPStatus()),
		Code:   apperr.Code(e.Kind),
		Title:  apperr.Title(e.Kind),
		Detail: e.Message,
		Meta:   e.Meta,
	}
}

// Object：一个实体的 JSON 表示
// 约束：identifier 角色只有 type 与 id；未找到时只有 errors
type Object struct {
	Type          string                  `json:"type,omitempty"`
	ID            string                  `json:"id,omitempty"`
	Attributes    *Attrs                  `json:"attributes,omitempty"`
	Links         map[string]string       `json:"links,omitempty"`
	Relationships map[string]RelationJSON `json:"relationships,omitempty"`
	Errors        []ErrorObject           `json:"errors,omitempty"`
}

// Identifier：{type, id} 投影
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RelationJSON：关联块；data 为单个标识、标识列表或按键分组的标识列表
type RelationJSON struct {
	Links RelationLinks `json:"links"`
	Data  any           `json:"data"`
}

type RelationLinks struct {
	Self    string `json:"self"`
	Related string `json:"related"`
}

// Document：顶层文档
// 约束：存在 Errors 时只输出 errors；否则 included 总是输出（可为空数组）
type Document struct {
	Status   int               `json:"-"`
	Data     any               `json:"-"`
	Included []Object          `json:"-"`
	Links    map[string]string `json:"-"`
	Meta     map[string]any    `json:"-"`
	Errors   []ErrorObject     `json:"-"`
}

func (d Document) MarshalJSON() ([]byte, error) {
	if len(d.Errors) > 0 {
		return json.Marshal(struct {
			Errors []ErrorObject `json:"errors"`
		}{d.Errors})
	}
	included := d.Included
	if included == nil {
		included = []Object{}
	}
	return json.Marshal(struct {
		Data     any               `json:"data"`
		Included []Object          `json:"included"`
		Links    map[string]string `json:"links"`
		Meta     map[string]any    `json:"meta,omitempty"`
	}{d.Data, included, d.Links, d.Meta})
}

// Serializer：序列化器，Base 为链接前缀（如 https://example.org/api/v1）
type Serializer struct {
	Base string
}

func (s Serializer) url(kind Kind, id, filetype string) string {
	return s.Base + Path(kind, id, filetype)
}

// Identify：identifier 角色
func Identify(r Resource) Identifier {
	return Identifier{Type: r.Kind().Slug(), ID: r.ID()}
}

// Object：按角色序列化，返回对象与需要随文档输出的 included 列表
// 背景：非 embedded 角色会把遍历到的关联目标以 embedded 角色收集到 included；embedded 只输出标识
func (s Serializer) Object(r Resource, role Role) (Object, []Object) {
	if !r.Found() {
		return Object{Errors: r.Errors()}, nil
	}
	id := Identify(r)
	obj := Object{Type: id.Type, ID: id.ID}
	if role == RoleIdentifier {
		return obj, nil
	}
	obj.Attributes = r.jsonAttributes()
	obj.Links = map[string]string{
		"self": s.url(r.Kind(), r.ID(), ""),
		"html": s.url(r.Kind(), r.ID(), "html"),
	}
	var included []Object
	rels := r.Relationships()
	if len(rels) > 0 {
		obj.Relationships = make(map[string]RelationJSON, len(rels))
	}
	for _, rel := range rels {
		obj.Relationships[rel.Name] = RelationJSON{
			Links: RelationLinks{
				Self:    s.Base + RelationshipPath(r.Kind(), r.ID(), rel.Name, false),
				Related: s.Base + RelationshipPath(r.Kind(), r.ID(), rel.Name, true),
			},
			Data: relationData(rel),
		}
		if role == RoleEmbedded {
			continue
		}
		for _, t := range rel.Targets() {
			if !t.Found() {
				continue
			}
			emb, _ := s.Object(t, RoleEmbedded)
			included = append(included, emb)
		}
	}
	return obj, included
}

func identifiers(rs []Resource) []Identifier {
	out := make([]Identifier, 0, len(rs))
	for _, r := range rs {
		if r == nil || !r.Found() {
			continue
		}
		out = append(out, Identify(r))
	}
	return out
}

func relationData(rel Relationship) any {
	switch rel.shape {
	case shapeOne:
		if rel.One == nil || !rel.One.Found() {
			return nil
		}
		return Identify(rel.One)
	case shapeMany:
		return identifiers(rel.Many)
	}
	groups := make(map[string][]Identifier, len(rel.Groups))
	for _, g := range rel.Groups {
		groups[g.Key] = identifiers(g.Items)
	}
	return groups
}

// dedupe：按 (type,id) 去重，保留首次出现，并排除 skip 中的标识
func dedupe(objs []Object, skip ...Identifier) []Object {
	seen := make(map[Identifier]struct{}, len(objs)+len(skip))
	for _, s := range skip {
		seen[s] = struct{}{}
	}
	out := make([]Object, 0, len(objs))
	for _, o := range objs {
		k := Identifier{Type: o.Type, ID: o.ID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, o)
	}
	return out
}

// ErrorDocument：由单个错误构造文档
func ErrorDocument(e *apperr.Error) Document {
	return Document{Status: e.HTTPStatus(), Errors: []ErrorObject{NewErrorObject(e)}}
}

// Top：顶层文档
// 约束：存在错误时整个文档为错误信封，状态码取第一条错误；否则 {data, included, links}
func (s Serializer) Top(r Resource) Document {
	if p := r.Problem(); p != nil {
		return ErrorDocument(p)
	}
	obj, included := s.Object(r, RoleTop)
	links := map[string]string{
		"self": obj.Links["self"],
		"html": obj.Links["html"],
	}
	for k, v := range r.documentLinks() {
		links[k] = s.Base + v
	}
	return Document{
		Status:   http.StatusOK,
		Data:     obj,
		Included: dedupe(included, Identify(r)),
		Links:    links,
	}
}

// Related：关联端点文档；related=true 时以 embedded 角色输出目标，否则只输出标识
func (s Serializer) Related(r Resource, name string, related bool) Document {
	if p := r.Problem(); p != nil {
		return ErrorDocument(p)
	}
	rel, ok := r.Relationship(name)
	if !ok {
		return ErrorDocument(apperr.NotFound("relationship " + name + " could not be found"))
	}
	links := map[string]string{
		"self": s.Base + RelationshipPath(r.Kind(), r.ID(), name, related),
		"root": s.url(r.Kind(), r.ID(), ""),
	}
	if !related {
		return Document{Status: http.StatusOK, Data: relationData(rel), Links: links}
	}
	var data any
	switch rel.shape {
	case shapeOne:
		if rel.One != nil && rel.One.Found() {
			obj, _ := s.Object(rel.One, RoleEmbedded)
			data = obj
		}
	case shapeMany:
		data = s.embedAll(rel.Many)
	default:
		groups := make(map[string][]Object, len(rel.Groups))
		for _, g := range rel.Groups {
			groups[g.Key] = s.embedAll(g.Items)
		}
		data = groups
	}
	return Document{Status: http.StatusOK, Data: data, Links: links}
}

func (s Serializer) embedAll(rs []Resource) []Object {
	out := make([]Object, 0, len(rs))
	for _, r := range rs {
		if !r.Found() {
			continue
		}
		obj, _ := s.Object(r, RoleEmbedded)
		out = append(out, obj)
	}
	return out
}

// Collection：列表文档（搜索、就近查询等），data 为 embedded 角色对象数组
// 背景：page 非空时输出分页导航与 meta；self 为不含分页参数的请求路径
func (s Serializer) Collection(items []Resource, self string, page *pagination.Page, meta map[string]any) Document {
	links := map[string]string{"self": s.Base + self}
	if page != nil {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["total"] = page.Total
		meta["p"] = page.Page
		meta["size"] = page.Size
		meta["from"] = page.Offset
		meta["max_page"] = page.MaxPage
		for name, q := range page.Links() {
			links[name] = s.Base + self + "?" + q.Encode()
		}
	}
	return Document{
		Status: http.StatusOK,
		Data:   s.embedAll(items),
		Links:  links,
		Meta:   meta,
	}
}
