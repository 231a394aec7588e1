package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ReadJSONLines：逐行解析 {"collection","id","record"}，空行与 # 注释行跳过
// 约束：fn 返回错误即停止；错误信息带行号
func ReadJSONLines(r io.Reader, fn func(c Collection, id string, rec Record) error) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n, line := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var row struct {
			Collection Collection `json:"collection"`
			ID         string     `json:"id"`
			Record     Record     `json:"record"`
		}
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if row.Collection == "" || row.ID == "" {
			return n, fmt.Errorf("line %d: collection and id required", line)
		}
		if row.Record == nil {
			row.Record = Record{}
		}
		if err := fn(row.Collection, row.ID, row.Record); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, sc.Err()
}
