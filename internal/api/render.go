package api

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"postcode-api/internal/apperr"
	"postcode-api/internal/logger"
	"postcode-api/internal/resource"
)

// 支持的文件类型后缀
const (
	ftJSON    = "json"
	ftHTML    = "html"
	ftGeoJSON = "geojson"
	ftCSV     = "csv"
)

// splitFiletype：拆分路径变量中的文件类型后缀，并把 + 还原为空格
// 约束：只识别已知后缀，其余点号保留在 ID 中；无后缀视为 json
func splitFiletype(raw string) (string, string) {
	id, ft := raw, ftJSON
	if i := strings.LastIndexByte(raw, '.'); i >= 0 {
		switch ext := strings.ToLower(raw[i+1:]); ext {
		case ftJSON, ftHTML, ftGeoJSON, ftCSV:
			id, ft = raw[:i], ext
		}
	}
	return strings.ReplaceAll(id, "+", " "), ft
}

// unsupported：资源不支持所请求的文件类型
func unsupported(ft string) error {
	return apperr.NotFound("filetype " + ft + " is not available for this resource")
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("content-type", contentType)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeDoc：按文件类型输出文档，状态码取文档自身
func writeDoc(w http.ResponseWriter, r *http.Request, doc resource.Document, ft string) {
	switch ft {
	case ftHTML:
		writeHTML(w, r, doc)
	case ftJSON:
		writeJSON(w, doc.Status, "application/json; charset=utf-8", doc)
	default:
		fail(w, r, unsupported(ft))
	}
}

// fail：统一错误出口
// 背景：领域错误按类别输出信封；其他错误记录日志后按 500 输出，不泄露底层细节
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind == apperr.KindInternal {
		logger.FromContext(r.Context()).Error("request_error", "path", r.URL.Path, "err", err)
		e = apperr.New(apperr.KindInternal, "An internal error occurred")
	}
	writeJSON(w, e.HTTPStatus(), "application/json; charset=utf-8", resource.ErrorDocument(e))
}

// 通用 HTML 视图：与 JSON 同源的文档，附带链接列表
var page = template.Must(template.New("resource").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Links}}<ul>
{{range $name, $href := .Links}}<li><a href="{{$href}}">{{$name}}</a></li>
{{end}}</ul>{{end}}
<pre>{{.Body}}</pre>
</body>
</html>
`))

type pageData struct {
	Title string
	Links map[string]string
	Body  string
}

func writeHTML(w http.ResponseWriter, r *http.Request, doc resource.Document) {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fail(w, r, err)
		return
	}
	title := "Error"
	if obj, ok := doc.Data.(resource.Object); ok {
		title = obj.Type + " " + obj.ID
		if name := obj.Attributes.String("name"); name != "" {
			title = name
		}
	} else if len(doc.Errors) == 0 {
		title = r.URL.Path
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(doc.Status)
	if err := page.Execute(w, pageData{Title: title, Links: doc.Links, Body: string(body)}); err != nil {
		logger.FromContext(r.Context()).Error("html_render_error", "path", r.URL.Path, "err", err)
	}
}
