package resource

import (
	"strings"
	"time"

	"postcode-api/internal/areatypes"
	"postcode-api/internal/store"
)

const dateLayout = "2006-01-02"

// 存储中的日期可能带时间部分，只取前 10 位
func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || len(s) < len(dateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, s[:len(dateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// formatDates：序列化前把 time.Time 字段转为字符串，原属性表不变
func formatDates(a *Attrs, fields []string) *Attrs {
	var out *Attrs
	for _, f := range fields {
		v, ok := a.Get(f)
		if !ok {
			continue
		}
		t, ok := v.(time.Time)
		if !ok {
			continue
		}
		if out == nil {
			out = a.Clone()
		}
		out.Set(f, t.Format(dateLayout))
	}
	if out == nil {
		return a
	}
	return out
}

func attrsFromRecord(rec store.Record, dates []string) *Attrs {
	a := AttrsFrom(rec.Clone())
	for _, f := range dates {
		v, ok := a.Get(f)
		if !ok {
			continue
		}
		if t, ok := parseDate(v); ok {
			a.Set(f, t)
		}
	}
	return a
}

// PostcodeAttrs：邮编属性
// 背景：日期转为 time.Time；oac11/ru11ind 展开为带说明的对象；osgrdind/usertype 增加 _name 说明
func PostcodeAttrs(rec store.Record, tbl *areatypes.Table) *Attrs {
	a := attrsFromRecord(rec, postcodeDateFields)
	if code := rec.String("oac11"); code != "" {
		if parts, ok := tbl.OAC(code); ok {
			a.Set("oac11", map[string]string{
				"code":       code,
				"supergroup": parts[0],
				"group":      parts[1],
				"subgroup":   parts[2],
			})
		}
	}
	if code := rec.String("ru11ind"); code != "" {
		if desc, ok := tbl.RuralUrban(code); ok {
			a.Set("ru11ind", map[string]string{"code": code, "description": desc})
		}
	}
	for _, f := range []string{"osgrdind", "usertype"} {
		if desc, ok := tbl.OtherCode(f, rec.String(f)); ok {
			a.Set(f+"_name", desc)
		}
	}
	return a
}

var countries = map[byte]string{
	'E': "England",
	'W': "Wales",
	'S': "Scotland",
	'N': "Northern Ireland",
}

// Country：由区域代码首字母得出所属国家，未知返回空串
func Country(code string) string {
	if code == "" {
		return ""
	}
	return countries[strings.ToUpper(code)[0]]
}

// AreaAttrs：区域属性
// 约束：type 转为 areatype 关联、boundary 由对象存储提供，二者都不作为属性输出
func AreaAttrs(code string, rec store.Record) *Attrs {
	a := attrsFromRecord(rec, areaDateFields)
	a.Delete("type")
	a.Delete("boundary")
	if _, ok := a.Get("country"); !ok {
		if c := Country(code); c != "" {
			a.Set("country", c)
		}
	}
	return a
}

// PlaceAttrs：地名属性，缺少 name 时取 place*nm 字段
func PlaceAttrs(rec store.Record) *Attrs {
	a := AttrsFrom(rec.Clone())
	if a.String("name") != "" {
		return a
	}
	for _, k := range a.Keys() {
		if strings.HasPrefix(k, "place") && strings.HasSuffix(k, "nm") {
			a.Set("name", a.String(k))
			a.Delete(k)
			break
		}
	}
	return a
}

// AreaTypeAttrs：区域类型属性，来源为静态表
func AreaTypeAttrs(t areatypes.Type) *Attrs {
	a := NewAttrs()
	a.Set("id", t.Code)
	a.Set("name", t.Name)
	a.Set("full_name", t.FullName)
	a.Set("description", t.Description)
	a.Set("theme", t.Theme)
	a.Set("status", t.Status)
	a.Set("entities", nonNilStrings(t.Entities))
	a.Set("countries", nonNilStrings(t.Countries))
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
