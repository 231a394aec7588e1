// 包 areatypes：区域类型静态表与邮编分类代码表，随二进制嵌入，启动时解析一次
package areatypes

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed areatypes.yaml
var typesYAML []byte

//go:embed codes.yaml
var codesYAML []byte

// Type：一种区域类型
type Type struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	FullName    string   `yaml:"full_name"`
	Description string   `yaml:"description"`
	Theme       string   `yaml:"theme"`
	Status      string   `yaml:"status"`
	Entities    []string `yaml:"entities"`
	Countries   []string `yaml:"countries"`
}

// KeyGroup：展示用的类型分组
type KeyGroup struct {
	Name  string   `yaml:"name"`
	Types []string `yaml:"types"`
}

type codes struct {
	RU11Ind   map[string]string   `yaml:"ru11ind"`
	OAC11     map[string][]string `yaml:"oac11"`
	Osgrdind  map[string]string   `yaml:"osgrdind"`
	Usertype  map[string]string   `yaml:"usertype"`
	KeyGroups []KeyGroup          `yaml:"key_groups"`
}

// Table：只读查找表
type Table struct {
	types    []Type
	byCode   map[string]*Type
	byEntity map[string]*Type
	codes    codes
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default：进程级共享表
// 约束：嵌入数据在构建期已知，解析失败属于程序错误，直接 panic
func Default() *Table {
	defaultOnce.Do(func() {
		t, err := Parse(typesYAML, codesYAML)
		if err != nil {
			panic("areatypes: " + err.Error())
		}
		defaultTable = t
	})
	return defaultTable
}

// Parse：从 YAML 构建查找表
func Parse(typesDoc, codesDoc []byte) (*Table, error) {
	var doc struct {
		Types []Type `yaml:"types"`
	}
	if err := yaml.Unmarshal(typesDoc, &doc); err != nil {
		return nil, err
	}
	t := &Table{
		types:    doc.Types,
		byCode:   make(map[string]*Type, len(doc.Types)),
		byEntity: map[string]*Type{},
	}
	if len(codesDoc) > 0 {
		if err := yaml.Unmarshal(codesDoc, &t.codes); err != nil {
			return nil, err
		}
	}
	sort.Slice(t.types, func(i, j int) bool { return t.types[i].Code < t.types[j].Code })
	for i := range t.types {
		at := &t.types[i]
		t.byCode[strings.ToLower(at.Code)] = at
		for _, e := range at.Entities {
			t.byEntity[strings.ToUpper(e)] = at
		}
	}
	return t, nil
}

// Lookup：按类型代码查找，大小写不敏感
func (t *Table) Lookup(code string) (Type, bool) {
	at, ok := t.byCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Type{}, false
	}
	return *at, true
}

// ByEntity：按实体前缀（如 E06）查找所属类型
func (t *Table) ByEntity(entity string) (Type, bool) {
	at, ok := t.byEntity[strings.ToUpper(strings.TrimSpace(entity))]
	if !ok {
		return Type{}, false
	}
	return *at, true
}

// All：按代码排序的全部类型
func (t *Table) All() []Type {
	out := make([]Type, len(t.types))
	copy(out, t.types)
	return out
}

func (t *Table) KeyGroups() []KeyGroup { return t.codes.KeyGroups }

// RuralUrban：2011 城乡分类描述
func (t *Table) RuralUrban(code string) (string, bool) {
	v, ok := t.codes.RU11Ind[code]
	return v, ok
}

// OAC：2011 输出区分类，返回 supergroup/group/subgroup
func (t *Table) OAC(code string) ([]string, bool) {
	v, ok := t.codes.OAC11[code]
	if !ok || len(v) != 3 {
		return nil, false
	}
	return v, true
}

// OtherCode：osgrdind 与 usertype 这类小整数字段的说明
func (t *Table) OtherCode(field, value string) (string, bool) {
	var m map[string]string
	switch field {
	case "osgrdind":
		m = t.codes.Osgrdind
	case "usertype":
		m = t.codes.Usertype
	}
	v, ok := m[value]
	return v, ok
}
