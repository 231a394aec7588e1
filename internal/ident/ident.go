// 包 ident：把自由文本的邮编、区域代码与坐标规范化为存储主键
package ident

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"postcode-api/internal/apperr"
)

// 超过该长度的代码视为已规范的非标准代码，原样返回
const maxPostcodeLen = 7

// Postcode：规范化邮编
// 约束：幂等；空白输入返回 ok=false，从不报错
// 返回：形如 "SW1A 1AA" 的规范字符串
func Postcode(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	pc := b.String()
	if pc == "" {
		return "", false
	}
	if len(pc) > maxPostcodeLen {
		return pc, true
	}
	cut := max(len(pc)-3, 0)
	outward, inward := pc[:cut], []byte(pc[cut:])
	// 内码首位只能是数字，常见 OCR 误读为字母 O
	if inward[0] == 'O' {
		inward[0] = '0'
	}
	if outward == "" {
		return string(inward), true
	}
	return outward + " " + string(inward), true
}

// AreaID：区域、地名与区域类型代码只做去空白与大写
func AreaID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// LatLon：坐标对
type LatLon struct {
	Lat float64 `validate:"latitude"`
	Lon float64 `validate:"longitude"`
}

// String：与 URL 中的 "lat,lon" 表示保持一致
func (p LatLon) String() string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lon, 'f', -1, 64)
}

var validate = validator.New()

// NewLatLon：校验数值坐标
// 异常：超出经纬度范围返回 KindMalformedInput
func NewLatLon(lat, lon float64) (LatLon, error) {
	p := LatLon{Lat: lat, Lon: lon}
	if err := validate.Struct(p); err != nil {
		return LatLon{}, apperr.Wrap(apperr.KindMalformedInput, "coordinates out of range", err).WithOp("ident.point")
	}
	return p, nil
}

// Point：解析 "lat,lon"
// 异常：非两段数值输入为 KindMalformedInput，与“未找到”区分
func Point(raw string) (LatLon, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return LatLon{}, apperr.Malformed("expected a \"lat,lon\" pair").WithOp("ident.point")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return LatLon{}, apperr.Wrap(apperr.KindMalformedInput, "latitude is not a number", err).WithOp("ident.point")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return LatLon{}, apperr.Wrap(apperr.KindMalformedInput, "longitude is not a number", err).WithOp("ident.point")
	}
	return NewLatLon(lat, lon)
}

var (
	postcodeShape = regexp.MustCompile(`^[A-Z]{1,2}[0-9][0-9A-Z]?[0-9][A-Z]{2}$`)
	latLonShape   = regexp.MustCompile(`^-?\d+\.\d+,-?\d+\.\d+$`)
)

// LooksLikePostcode：去掉空白并大写后是否符合完整邮编的形状
func LooksLikePostcode(raw string) bool {
	return postcodeShape.MatchString(strings.ToUpper(stripSpace(raw)))
}

// LatLonQuery：检索框里的 "lat,lon"（两段都必须带小数点）
// 返回：形状不符或超出范围时 ok=false
func LatLonQuery(raw string) (LatLon, bool) {
	s := stripSpace(raw)
	if !latLonShape.MatchString(s) {
		return LatLon{}, false
	}
	p, err := Point(s)
	if err != nil {
		return LatLon{}, false
	}
	return p, true
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
