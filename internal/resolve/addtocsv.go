package resolve

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"postcode-api/internal/ident"
	"postcode-api/internal/store"
)

// 未指定字段时追加的列
var DefaultCSVFields = []string{"latlng", "laua", "laua_name", "rgn", "rgn_name"}

// 复合字段展开为多列
var csvFieldGroups = map[string][]string{
	"latlng":   {"lat", "long"},
	"estnrth":  {"oseast1m", "osnrth1m"},
	"lep":      {"lep1", "lep2"},
	"lep_name": {"lep1_name", "lep2_name"},
}

// 各国“无此区域”的占位代码，名称为空
var placeholderCodes = []string{"E99999999", "S99999999", "N99999999", "W99999999"}

// ExpandCSVFields：空列表取默认字段，展开复合字段并去重
func ExpandCSVFields(fields []string) []string {
	if len(fields) == 0 {
		fields = DefaultCSVFields
	}
	var out []string
	for _, f := range fields {
		parts, ok := csvFieldGroups[f]
		if !ok {
			parts = []string{f}
		}
		for _, p := range parts {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// EnrichCSV：为上传 CSV 的邮编列追加所选字段，逐行写出
// 背景：<field>_name 由区域名称填充，区域不存在时填原始代码；同一代码只查一次
// 约束：首行必须是表头且包含邮编列；邮编无法规范化或不存在时追加空值
// 返回：写出的数据行数
func (r *Resolver) EnrichCSV(ctx context.Context, in io.Reader, out io.Writer, column string, fields []string) (int, error) {
	fields = ExpandCSVFields(fields)
	if column == "" {
		column = "postcode"
	}
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, malformed("resolve.csv", "CSV file must have headers")
	}
	if err != nil {
		return 0, malformed("resolve.csv", "could not read CSV: "+err.Error())
	}
	col := slices.Index(header, column)
	if col < 0 {
		return 0, malformed("resolve.csv", fmt.Sprintf("column %q not found in CSV headers", column))
	}

	names := newNameCache()
	cw := csv.NewWriter(out)
	if err := cw.Write(append(slices.Clone(header), fields...)); err != nil {
		return 0, err
	}
	rows := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, malformed("resolve.csv", fmt.Sprintf("row %d: %v", rows+2, err))
		}
		extra := make([]string, len(fields))
		if col < len(row) {
			if id, ok := ident.Postcode(row[col]); ok {
				doc, err := r.get(ctx, store.Postcodes, id)
				if err != nil {
					return rows, wrapStore("resolve.csv", err)
				}
				if doc.Found {
					for i, f := range fields {
						extra[i] = r.csvValue(ctx, doc.Record, f, names)
					}
				}
			}
		}
		if err := cw.Write(append(row, extra...)); err != nil {
			return rows, err
		}
		rows++
	}
	cw.Flush()
	return rows, cw.Error()
}

// newNameCache：代码到名称的缓存，预置占位代码
func newNameCache() map[string]string {
	names := make(map[string]string, len(placeholderCodes))
	for _, c := range placeholderCodes {
		names[c] = ""
	}
	return names
}

// csvValue：单个追加字段的取值
func (r *Resolver) csvValue(ctx context.Context, rec store.Record, field string, names map[string]string) string {
	base, isName := strings.CutSuffix(field, "_name")
	if !isName {
		if v := rec.String(field); v != "" {
			return v
		}
		if lat, lon, ok := rec.Location(); ok {
			switch field {
			case "lat":
				return strconv.FormatFloat(lat, 'f', -1, 64)
			case "long":
				return strconv.FormatFloat(lon, 'f', -1, 64)
			}
		}
		return ""
	}
	code := rec.String(base)
	if code == "" {
		return ""
	}
	if name, ok := names[code]; ok {
		return name
	}
	name := code
	if doc, ok := r.related(ctx, "csv_names", store.Areas, code, "boundary"); ok {
		name = doc.Record.String("name")
	}
	names[code] = name
	return name
}
