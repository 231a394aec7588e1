package api

import (
	"context"
	"encoding/csv"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"postcode-api/internal/apperr"
	"postcode-api/internal/ident"
	"postcode-api/internal/logger"
	"postcode-api/internal/middleware"
	"postcode-api/internal/pagination"
	"postcode-api/internal/resolve"
	"postcode-api/internal/resource"
)

const (
	// 地名周边查询的默认半径（米）
	defaultWithin = 1000.0
	// 多区域 GeoJSON 一次最多的区域数
	maxGeoJSONAreas = 50
)

// listParam：同名参数可重复出现，也可逗号分隔；POST 表单与查询串合并读取
func listParam(r *http.Request, name string) []string {
	_ = r.ParseForm()
	var out []string
	for _, v := range r.Form[name] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	fail(w, r, apperr.NotFound("no resource at "+r.URL.Path))
}

// ---- postcodes ----

func (s *Server) postcode(w http.ResponseWriter, r *http.Request) {
	id, ft := splitFiletype(mux.Vars(r)["id"])
	pc, err := s.res.Postcode(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, s.ser.Top(pc), ft)
}

// postcodeRedirect：表单提交的邮编跳转到规范地址
func (s *Server) postcodeRedirect(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("postcode"))
	if raw == "" {
		fail(w, r, apperr.Malformed("postcode parameter is required"))
		return
	}
	id, ok := ident.Postcode(raw)
	if !ok {
		id = raw
	}
	http.Redirect(w, r, s.ser.Base+resource.Path(resource.KindPostcode, id, ""), http.StatusSeeOther)
}

// postcodeHash：按单个（或逗号分隔的）哈希前缀列出邮编，properties 限定返回字段
func (s *Server) postcodeHash(w http.ResponseWriter, r *http.Request) {
	raw, ft := splitFiletype(mux.Vars(r)["hash"])
	if ft != ftJSON {
		fail(w, r, unsupported(ft))
		return
	}
	s.writeHashes(w, r, strings.Split(raw, ","), "/postcodes/hash/"+raw)
}

// postcodeHashes：多个哈希前缀，hash 参数可重复，支持 GET 与表单 POST
func (s *Server) postcodeHashes(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		fail(w, r, apperr.Malformed("could not parse form: "+err.Error()))
		return
	}
	s.writeHashes(w, r, listParam(r, "hash"), "/postcodes/hashes.json")
}

func (s *Server) writeHashes(w http.ResponseWriter, r *http.Request, hashes []string, self string) {
	recs, err := s.res.PostcodesByHash(r.Context(), hashes, listParam(r, "properties"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, resource.Document{
		Status: http.StatusOK,
		Data:   recs,
		Links:  map[string]string{"self": s.ser.Base + self},
	}, ftJSON)
}

// ---- areas ----

func (s *Server) area(w http.ResponseWriter, r *http.Request) {
	id, ft := splitFiletype(mux.Vars(r)["id"])
	if ft == ftGeoJSON {
		s.writeGeoJSON(w, r, []string{id})
		return
	}
	examples := -1
	if v := r.URL.Query().Get("examples"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			examples = n
		}
	}
	a, err := s.res.Area(r.Context(), id, examples)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, s.ser.Top(a), ft)
}

func (s *Server) areasGeoJSON(w http.ResponseWriter, r *http.Request) {
	codes := listParam(r, "code")
	switch {
	case len(codes) == 0:
		fail(w, r, apperr.Malformed("at least one code parameter is required"))
		return
	case len(codes) > maxGeoJSONAreas:
		fail(w, r, apperr.Malformed("too many areas requested, the limit is "+strconv.Itoa(maxGeoJSONAreas)))
		return
	}
	s.writeGeoJSON(w, r, codes)
}

// writeGeoJSON：单个区域不存在时输出其未找到信封；多个区域时跳过不存在的
func (s *Server) writeGeoJSON(w http.ResponseWriter, r *http.Request, codes []string) {
	areas := make([]*resource.Area, 0, len(codes))
	for _, c := range codes {
		a, err := s.res.AreaBoundary(r.Context(), c)
		if err != nil {
			fail(w, r, err)
			return
		}
		if !a.Found() && len(codes) == 1 {
			writeDoc(w, r, s.ser.Top(a), ftJSON)
			return
		}
		areas = append(areas, a)
	}
	fc, err := resource.GeoJSON(r.Context(), areas...)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "application/geo+json", fc)
}

func (s *Server) areaChildren(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	areatype, ft := splitFiletype(vars["type"])
	a, err := s.res.Children(r.Context(), vars["id"], areatype)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, s.ser.Top(a), ft)
}

func (s *Server) areaSearch(w http.ResponseWriter, r *http.Request) {
	s.writeAreaSearch(w, r, r.URL.Query().Get("q"), "/areas/search")
}

func (s *Server) writeAreaSearch(w http.ResponseWriter, r *http.Request, q, self string) {
	page := pagination.FromQuery(r.URL.Query(), resolve.DefaultSearchPageSize, resolve.MaxSearchPageSize)
	res, err := s.res.SearchAreas(r.Context(), q, page)
	if err != nil {
		fail(w, r, err)
		return
	}
	meta := map[string]any{"q": strings.TrimSpace(q)}
	writeDoc(w, r, s.ser.Collection(res.Items, self, &res.Page, meta), ftJSON)
}

// ---- areatypes ----

func (s *Server) areaTypes(w http.ResponseWriter, r *http.Request) {
	items, err := s.res.AreaTypes(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, s.ser.Collection(items, "/areatypes", nil, nil), ftJSON)
}

func (s *Server) areaType(w http.ResponseWriter, r *http.Request) {
	id, ft := splitFiletype(mux.Vars(r)["id"])
	if ft == ftCSV {
		s.exportCSV(w, r, id)
		return
	}
	page := pagination.FromQuery(r.URL.Query(), resolve.DefaultAreaTypePageSize, resolve.MaxAreaTypePageSize)
	at, err := s.res.AreaType(r.Context(), id, page)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, s.ser.Top(at), ft)
}

// exportCSV：流式输出某类型下全部区域
// 约束：首行写出后再出错只能记录日志并截断输出
func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request, id string) {
	code, ok := s.res.ParseAreaTypeCode(id)
	if !ok {
		fail(w, r, apperr.InvalidAreaType(code))
		return
	}
	w.Header().Set("content-type", "text/csv; charset=utf-8")
	w.Header().Set("content-disposition", `attachment; filename="`+strings.ToLower(code)+`.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write(resolve.ExportHeader)
	rows := 0
	err := s.res.ExportAreas(r.Context(), id, func(row resolve.ExportRow) error {
		rows++
		return cw.Write(row.Fields())
	})
	cw.Flush()
	if err == nil {
		err = cw.Error()
	}
	if err != nil {
		logger.FromContext(r.Context()).Error("csv_export_error", "areatype", code, "rows", rows, "err", err)
		return
	}
	logger.FromContext(r.Context()).Debug("csv_export_done", "areatype", code, "rows", rows)
}

// ---- places ----

func (s *Server) place(w http.ResponseWriter, r *http.Request) {
	id, ft := splitFiletype(mux.Vars(r)["id"])
	p, err := s.res.Place(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, s.ser.Top(p), ft)
}

type nearbyFunc func(ctx context.Context, raw string, within float64) (*resource.Place, error)

// placeNearby：地名周边列表，within 缺省 1000 米
func (s *Server) placeNearby(fn nearbyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		within := defaultWithin
		if v := r.URL.Query().Get("within"); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fail(w, r, apperr.Malformed("within must be a number of metres"))
				return
			}
			within = n
		}
		p, err := fn(r.Context(), mux.Vars(r)["id"], within)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeDoc(w, r, s.ser.Top(p), ftJSON)
	}
}

func (s *Server) placesNearest(w http.ResponseWriter, r *http.Request) {
	raw, ft := splitFiletype(mux.Vars(r)["latlon"])
	loc, err := ident.Point(raw)
	if err != nil {
		fail(w, r, err)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items := s.res.NearestPlaces(r.Context(), loc, n)
	writeDoc(w, r, s.ser.Collection(items, "/places/nearest/"+loc.String(), nil, nil), ft)
}

// ---- points ----

func (s *Server) point(w http.ResponseWriter, r *http.Request) {
	raw, ft := splitFiletype(mux.Vars(r)["latlon"])
	loc, err := ident.Point(raw)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.writePoint(w, r, loc, ft)
}

func (s *Server) writePoint(w http.ResponseWriter, r *http.Request, loc ident.LatLon, ft string) {
	p, err := s.res.Point(r.Context(), loc)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeDoc(w, r, s.ser.Top(p), ft)
}

func (s *Server) pointRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(q.Get("lat")), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(q.Get("lon")), 64)
	if err1 != nil || err2 != nil {
		fail(w, r, apperr.Malformed("lat and lon parameters must be numbers"))
		return
	}
	loc, err := ident.NewLatLon(lat, lon)
	if err != nil {
		fail(w, r, err)
		return
	}
	http.Redirect(w, r, s.ser.Base+resource.Path(resource.KindPoint, loc.String(), ""), http.StatusSeeOther)
}

// pointLocate：按请求来源 IP 的城市坐标解析坐标点
func (s *Server) pointLocate(w http.ResponseWriter, r *http.Request) {
	if s.locator == nil {
		fail(w, r, apperr.NotFound("IP location lookup is not available"))
		return
	}
	raw := middleware.ClientIP(r)
	ip := net.ParseIP(raw)
	if ip == nil {
		fail(w, r, apperr.Malformed("could not determine the client address"))
		return
	}
	city, err := s.locator.City(ip)
	if err != nil {
		fail(w, r, apperr.Wrap(apperr.KindInternal, "ip lookup failed", err).WithOp("api.locate"))
		return
	}
	if city == nil || (city.Location.Latitude == 0 && city.Location.Longitude == 0) {
		fail(w, r, apperr.NotFound("no location is known for "+raw))
		return
	}
	loc, err := ident.NewLatLon(city.Location.Latitude, city.Location.Longitude)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Debug("point_locate", "ip", raw, "point", loc.String())
	s.writePoint(w, r, loc, ftJSON)
}

// ---- relationships ----

// relationship：/{slug}/{id}/{rel} 输出关联实体，/{slug}/{id}/relationships/{rel} 只输出标识
func (s *Server) relationship(related bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		rel, ft := splitFiletype(vars["rel"])
		id, _ := splitFiletype(vars["id"])
		root, err := s.lookup(r, vars["slug"], id)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeDoc(w, r, s.ser.Related(root, rel, related), ft)
	}
}

// lookup：按路径中的类型段获取根实体
func (s *Server) lookup(r *http.Request, slug, id string) (resource.Resource, error) {
	ctx := r.Context()
	switch slug {
	case resource.KindPostcode.Slug():
		pc, err := s.res.Postcode(ctx, id)
		if err != nil {
			return nil, err
		}
		return pc, nil
	case resource.KindArea.Slug():
		a, err := s.res.Area(ctx, id, -1)
		if err != nil {
			return nil, err
		}
		return a, nil
	case resource.KindAreaType.Slug():
		page := pagination.FromQuery(r.URL.Query(), resolve.DefaultAreaTypePageSize, resolve.MaxAreaTypePageSize)
		at, err := s.res.AreaType(ctx, id, page)
		if err != nil {
			return nil, err
		}
		return at, nil
	case resource.KindPlace.Slug():
		p, err := s.res.Place(ctx, id)
		if err != nil {
			return nil, err
		}
		return p, nil
	case resource.KindPoint.Slug():
		loc, err := ident.Point(id)
		if err != nil {
			return nil, err
		}
		p, err := s.res.Point(ctx, loc)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, apperr.NotFound("no resource at " + r.URL.Path)
}
