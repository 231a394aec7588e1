package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"

	"postcode-api/internal/apperr"
	"postcode-api/internal/ident"
	"postcode-api/internal/logger"
	"postcode-api/internal/resolve"
	"postcode-api/internal/resource"
)

// 上传 CSV 的大小上限
const maxUploadBytes = 10 << 20

// JSONP 回调名只允许标识符与点号
var callbackName = regexp.MustCompile(`^[A-Za-z_$][0-9A-Za-z_$.]*$`)

// search：统一检索框
// 背景：坐标跳转到坐标点页面，完整邮编跳转到邮编页面，其余按区域名称检索
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		fail(w, r, apperr.Malformed("q parameter is required"))
		return
	}
	if loc, ok := ident.LatLonQuery(q); ok {
		http.Redirect(w, r, s.ser.Base+resource.Path(resource.KindPoint, loc.String(), ftHTML), http.StatusSeeOther)
		return
	}
	if ident.LooksLikePostcode(q) {
		id, _ := ident.Postcode(q)
		http.Redirect(w, r, s.ser.Base+resource.Path(resource.KindPostcode, id, ftHTML), http.StatusSeeOther)
		return
	}
	s.writeAreaSearch(w, r, q, "/search")
}

// addToCSV：为上传的 CSV 追加邮编字段后原名返回
// 约束：整份结果先写入缓冲区，出错时仍能返回错误信封
func (s *Server) addToCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		fail(w, r, apperr.Malformed("could not read upload: "+err.Error()))
		return
	}
	file, hdr, err := r.FormFile("csvfile")
	if err != nil {
		fail(w, r, apperr.Malformed("csvfile upload is required"))
		return
	}
	defer file.Close()
	name := path.Base(strings.ReplaceAll(hdr.Filename, `\`, "/"))
	if !strings.EqualFold(path.Ext(name), ".csv") {
		fail(w, r, apperr.Malformed("file must be a CSV"))
		return
	}

	var out bytes.Buffer
	rows, err := s.res.EnrichCSV(r.Context(), file, &out, strings.TrimSpace(r.FormValue("column_name")), listParam(r, "fields"))
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Debug("csv_enrich_done", "file", name, "rows", rows)
	w.Header().Set("content-type", "text/csv; charset=utf-8")
	w.Header().Set("content-disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	_, _ = w.Write(out.Bytes())
}

// reconcileManifest：OpenRefine 服务描述
func (s *Server) reconcileManifest() map[string]any {
	return map[string]any{
		"versions":        []string{"0.1", "0.2"},
		"name":            "Postcode reconciliation service",
		"identifierSpace": s.ser.Base + "/postcodes/",
		"schemaSpace":     s.ser.Base + "/areatypes/",
		"defaultTypes": []map[string]string{
			{"id": resolve.ReconcilePostcodeType, "name": "Postcode"},
			{"id": "/areas", "name": "Area"},
		},
		"extend": map[string]any{
			"propose_properties": map[string]string{
				"service_url":  s.ser.Base,
				"service_path": "/reconcile/propose",
			},
		},
	}
}

// reconcile：OpenRefine 对账接口
// 背景：queries 参数为批量对账，extend 参数为属性补充，两者都没有时返回服务描述
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("access-control-allow-origin", "*")
	if err := r.ParseForm(); err != nil {
		fail(w, r, apperr.Malformed("could not parse form: "+err.Error()))
		return
	}
	var out any
	switch {
	case r.Form.Get("queries") != "":
		var qs map[string]resolve.ReconcileQuery
		if err := json.Unmarshal([]byte(r.Form.Get("queries")), &qs); err != nil {
			fail(w, r, apperr.Wrap(apperr.KindMalformedInput, "queries must be a JSON object", err))
			return
		}
		res, err := s.res.ReconcileBatch(r.Context(), qs)
		if err != nil {
			fail(w, r, err)
			return
		}
		out = res
	case r.Form.Get("extend") != "":
		var req resolve.ExtendRequest
		if err := json.Unmarshal([]byte(r.Form.Get("extend")), &req); err != nil {
			fail(w, r, apperr.Wrap(apperr.KindMalformedInput, "extend must be a JSON object", err))
			return
		}
		res, err := s.res.Extend(r.Context(), req)
		if err != nil {
			fail(w, r, err)
			return
		}
		out = res
	default:
		out = s.reconcileManifest()
	}
	writeJSONP(w, r, out)
}

// reconcilePropose：可补充的属性列表
func (s *Server) reconcilePropose(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("access-control-allow-origin", "*")
	props := []resolve.ExtendProperty{}
	for _, f := range resolve.ExtendProperties {
		props = append(props, resolve.ExtendProperty{ID: f, Name: f})
	}
	writeJSONP(w, r, map[string]any{"type": resolve.ReconcilePostcodeType, "properties": props})
}

// writeJSONP：带合法 callback 参数时包一层函数调用
func writeJSONP(w http.ResponseWriter, r *http.Request, v any) {
	cb := r.FormValue("callback")
	if cb == "" {
		writeJSON(w, http.StatusOK, "application/json; charset=utf-8", v)
		return
	}
	if !callbackName.MatchString(cb) {
		fail(w, r, apperr.Malformed("invalid callback name"))
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		fail(w, r, fmt.Errorf("encode jsonp: %w", err))
		return
	}
	w.Header().Set("content-type", "application/javascript; charset=utf-8")
	_, _ = w.Write([]byte(cb + "("))
	_, _ = w.Write(body)
	_, _ = w.Write([]byte(");"))
}
