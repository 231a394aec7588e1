package resource

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Attrs：保持插入顺序的属性表
// 约束：nil 接收者可安全读取，读取缺失键返回零值而不报错
type Attrs struct {
	keys []string
	vals map[string]any
}

func NewAttrs() *Attrs { return &Attrs{vals: map[string]any{}} }

// AttrsFrom：由无序 map 构建，键按字母序排列以保证输出稳定
func AttrsFrom(m map[string]any) *Attrs {
	a := NewAttrs()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a.Set(k, m[k])
	}
	return a
}

func (a *Attrs) Set(k string, v any) {
	if _, ok := a.vals[k]; !ok {
		a.keys = append(a.keys, k)
	}
	a.vals[k] = v
}

func (a *Attrs) Get(k string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a.vals[k]
	return v, ok
}

// String：字符串属性，非字符串或缺失返回空串
func (a *Attrs) String(k string) string {
	v, _ := a.Get(k)
	s, _ := v.(string)
	return s
}

func (a *Attrs) Delete(k string) {
	if _, ok := a.vals[k]; !ok {
		return
	}
	delete(a.vals, k)
	for i, key := range a.keys {
		if key == k {
			a.keys = append(a.keys[:i:i], a.keys[i+1:]...)
			break
		}
	}
}

func (a *Attrs) Keys() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.keys...)
}

func (a *Attrs) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Clone：浅拷贝，序列化钩子在副本上改写取值
func (a *Attrs) Clone() *Attrs {
	out := NewAttrs()
	if a == nil {
		return out
	}
	for _, k := range a.keys {
		out.Set(k, a.vals[k])
	}
	return out
}

func (a *Attrs) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(a.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
