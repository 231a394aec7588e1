// 包 api：集中注册 HTTP 路由，把请求交给解析层，再按文件类型输出 JSON、GeoJSON、HTML 或 CSV
package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/oschwald/geoip2-golang"

	"postcode-api/internal/metrics"
	"postcode-api/internal/resolve"
	"postcode-api/internal/resource"
)

// Locator：IP 到城市坐标，由 geoip2.Reader 实现
type Locator interface {
	City(ip net.IP) (*geoip2.City, error)
}

// Server：路由依赖
type Server struct {
	res     *resolve.Resolver
	ser     resource.Serializer
	locator Locator
}

// New：base 为对外链接前缀（BASE_URL + API_BASE），locator 可为 nil
func New(res *resolve.Resolver, base string, locator Locator) *Server {
	return &Server{res: res, ser: resource.Serializer{Base: base}, locator: locator}
}

// Routes：构建路由
// 约束：具体路径先于通配的关联路径注册，gorilla/mux 按注册顺序匹配
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	get := func(path, name string, h http.HandlerFunc) {
		r.Handle(path, instrument(name, h)).Methods(http.MethodGet, http.MethodHead)
	}
	// post：同时接受 GET 与表单 POST 的端点
	post := func(path, name string, h http.HandlerFunc) {
		r.Handle(path, instrument(name, h)).Methods(http.MethodGet, http.MethodHead, http.MethodPost)
	}

	get("/postcodes/redirect", "postcodes", s.postcodeRedirect)
	post("/postcodes/hashes.json", "postcodes", s.postcodeHashes)
	get("/postcodes/hash/{hash}", "postcodes", s.postcodeHash)
	get("/postcodes/{id}", "postcodes", s.postcode)

	get("/areas/search", "areas", s.areaSearch)
	get("/areas/geojson", "areas", s.areasGeoJSON)
	get("/areas/{id}", "areas", s.area)
	get("/areas/{id}/children/{type}", "areas", s.areaChildren)

	get("/areatypes", "areatypes", s.areaTypes)
	get("/areatypes/{id}", "areatypes", s.areaType)

	get("/places/nearest/{latlon}", "places", s.placesNearest)
	get("/places/{id}", "places", s.place)
	get("/places/{id}/postcodes", "places", s.placeNearby(s.res.PlacePostcodes))
	get("/places/{id}/places", "places", s.placeNearby(s.res.PlacePlaces))

	get("/points/redirect", "points", s.pointRedirect)
	get("/points/locate", "points", s.pointLocate)
	get("/points/{latlon}", "points", s.point)

	get("/search", "search", s.search)
	r.Handle("/addtocsv", instrument("addtocsv", http.HandlerFunc(s.addToCSV))).Methods(http.MethodPost)
	post("/reconcile", "reconcile", s.reconcile)
	get("/reconcile/propose", "reconcile", s.reconcilePropose)

	get("/{slug}/{id}/relationships/{rel}", "relationships", s.relationship(false))
	get("/{slug}/{id}/{rel}", "relationships", s.relationship(true))

	r.NotFoundHandler = instrument("unknown", http.HandlerFunc(s.notFound))
	return r
}

// statusRecorder：捕获状态码用于指标
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument：按资源类型记录请求数与耗时
func instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		metrics.RequestsTotal.WithLabelValues(name, strconv.Itoa(sw.status)).Inc()
		metrics.RequestDurationMs.WithLabelValues(name).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}
