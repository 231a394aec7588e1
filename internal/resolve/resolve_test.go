package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postcode-api/internal/apperr"
	"postcode-api/internal/boundary"
	"postcode-api/internal/ident"
	"postcode-api/internal/pagination"
	"postcode-api/internal/resource"
	"postcode-api/internal/store"
)

func fixture() (*store.Memory, *boundary.Memory) {
	m := store.NewMemory()
	m.Put(store.Areas, "E06000001", store.Record{
		"code": "E06000001", "name": "Hartlepool", "type": "laua", "active": true,
		"parent": "E12000001", "predecessor": []any{"E07000999"}, "successor": []any{},
		"date_start": "2009-04-01",
	})
	m.Put(store.Areas, "E06000002", store.Record{"code": "E06000002", "name": "Middlesbrough", "type": "laua", "active": true, "parent": "E12000001"})
	m.Put(store.Areas, "E05000001", store.Record{"code": "E05000001", "name": "Old Hartlepool Ward", "type": "ward", "active": false, "parent": "E06000001"})
	m.Put(store.Areas, "E05000002", store.Record{"code": "E05000002", "name": "Headland", "type": "ward", "active": true, "parent": "E06000001"})
	m.Put(store.Areas, "E14000001", store.Record{"code": "E14000001", "name": "Hartlepool", "type": "pcon", "active": true, "parent": "E06000001"})
	m.Put(store.Areas, "E12000001", store.Record{"code": "E12000001", "name": "North East", "type": "rgn", "active": true, "parent": "E92000001"})
	m.Put(store.Areas, "E92000001", store.Record{"code": "E92000001", "name": "England", "type": "ctry", "active": true})
	m.Put(store.Areas, "E99999001", store.Record{"code": "E99999001", "name": "Entity Only", "entity": "E99"})
	m.Put(store.Entities, "E99", store.Record{"code": "E99", "name": "Test entity"})

	m.Put(store.Postcodes, "TS24 7AA", store.Record{
		"pcds": "TS24 7AA", "laua": "E06000001", "cty": "E06000001", "rgn": "E12000001", "ward": "E05000001",
		"pcon": "E14000404", "osgrdind": "E12000001", "usertype": "0", "hash": "abc123",
		"location": map[string]any{"lat": 54.6900, "lon": -1.2100},
	})
	m.Put(store.Postcodes, "TS24 8BB", store.Record{"laua": "E06000001", "doterm": "2010-01-01", "hash": "abd000",
		"location": map[string]any{"lat": 54.7000, "lon": -1.2000}})
	m.Put(store.Postcodes, "TS1 1AA", store.Record{"laua": "E06000002", "hash": "ffe001", "lat": 54.57, "long": -1.23})

	m.Put(store.Places, "IPN0001", store.Record{"place15nm": "Hartlepool", "descnm": "LOC",
		"areas": map[string]any{"laua": "E06000001", "cty": "E06000001", "rgn": "E12000001", "bad": "nope"},
		"location": map[string]any{"lat": 54.6850, "lon": -1.2100}})
	m.Put(store.Places, "IPN0002", store.Record{"place15nm": "Seaton Carew", "descnm": "LOC",
		"location": map[string]any{"lat": 54.6600, "lon": -1.2000}})
	m.Put(store.Places, "IPN0003", store.Record{"place15nm": "Hartlepool Marina", "descnm": "PARK",
		"location": map[string]any{"lat": 54.6860, "lon": -1.2050}})

	b := boundary.NewMemory()
	b.Put("E06000001", []byte(`{"type":"multipolygon","coordinates":[[[[-1.3,54.6],[-1.1,54.6],[-1.1,54.8],[-1.3,54.6]]]]}`))
	return m, b
}

func newResolver() (*Resolver, *store.Memory, *boundary.Memory) {
	m, b := fixture()
	return New(m, b, Options{}), m, b
}

func ids(rs []resource.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID())
	}
	return out
}

func relMany(t *testing.T, r resource.Resource, name string) []resource.Resource {
	t.Helper()
	rel, ok := r.Relationship(name)
	require.True(t, ok, "relationship %s", name)
	return rel.Targets()
}

func TestPostcodeResolvesAreas(t *testing.T) {
	r, _, _ := newResolver()
	pc, err := r.Postcode(context.Background(), "ts247aa")
	require.NoError(t, err)
	require.True(t, pc.Found())
	assert.Equal(t, "TS24 7AA", pc.ID())

	attrs := pc.Attributes()
	assert.Equal(t, "Hartlepool", attrs.String("laua_name"))
	assert.Equal(t, "Hartlepool", attrs.String("cty_name"))
	assert.Equal(t, "E06000001", attrs.String("laua"))
	// 不存在的区域保留原始代码，不加 _name
	assert.Equal(t, "E14000404", attrs.String("pcon"))
	_, ok := attrs.Get("pcon_name")
	assert.False(t, ok)
	// osgrdind 即使形如区域代码也不解析
	assert.Equal(t, "E12000001", attrs.String("osgrdind"))
	assert.NotEqual(t, "North East", attrs.String("osgrdind_name"))
	assert.Equal(t, "Small user", attrs.String("usertype_name"))

	areas := relMany(t, pc, "areas")
	assert.ElementsMatch(t, []string{"E06000001", "E12000001", "E05000001"}, ids(areas))
	for _, a := range areas {
		_, hasParent := a.Relationship("parent")
		assert.False(t, hasParent, "embedded area %s must not be expanded", a.ID())
	}

	places := relMany(t, pc, "nearest_places")
	assert.Equal(t, []string{"IPN0001", "IPN0002"}, ids(places))
}

func TestPostcodeEndToEndDocument(t *testing.T) {
	r, _, _ := newResolver()
	pc, err := r.Postcode(context.Background(), "TS24 7AA")
	require.NoError(t, err)

	doc := resource.Serializer{}.Top(pc)
	require.Equal(t, http.StatusOK, doc.Status)
	data := doc.Data.(resource.Object)
	areaRel := data.Relationships["areas"].Data.([]resource.Identifier)
	assert.Contains(t, areaRel, resource.Identifier{Type: "areas", ID: "E06000001"})

	var found bool
	for _, inc := range doc.Included {
		if inc.Type == "areas" && inc.ID == "E06000001" {
			found = true
			assert.Equal(t, "Hartlepool", inc.Attributes.String("name"))
		}
	}
	assert.True(t, found)
}

func TestPostcodeNotFound(t *testing.T) {
	r, _, _ := newResolver()
	pc, err := r.Postcode(context.Background(), "ZZ99 9ZZ")
	require.NoError(t, err)
	assert.False(t, pc.Found())
	assert.Equal(t, "ZZ99 9ZZ", pc.ID())

	pc, err = r.Postcode(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, pc.Found())
}

func TestAreaRelationships(t *testing.T) {
	r, _, b := newResolver()
	a, err := r.Area(context.Background(), "e06000001", -1)
	require.NoError(t, err)
	require.True(t, a.Found())
	assert.True(t, a.HasBoundary())
	assert.Equal(t, 0, b.Loads())

	at, ok := a.Relationship("areatype")
	require.True(t, ok)
	assert.Equal(t, "laua", at.One.ID())

	parent, ok := a.Relationship("parent")
	require.True(t, ok)
	assert.Equal(t, "E12000001", parent.One.ID())
	_, nested := parent.One.Relationship("parent")
	assert.False(t, nested)

	assert.Empty(t, relMany(t, a, "predecessor"))
	assert.Empty(t, relMany(t, a, "successor"))

	examples := relMany(t, a, "example_postcodes")
	assert.Equal(t, []string{"TS24 7AA"}, ids(examples))

	children, ok := a.Relationship("children")
	require.True(t, ok)
	require.Len(t, children.Groups, 2)
	assert.Equal(t, "ward", children.Groups[0].Key)
	assert.Equal(t, []string{"E05000002", "E05000001"}, ids(children.Groups[0].Items))
	assert.Equal(t, "pcon", children.Groups[1].Key)
	assert.Equal(t, 3, mustGet(t, a.Attributes(), "child_count"))
	assert.Equal(t, map[string]int{"ward": 2, "pcon": 1}, mustGet(t, a.Attributes(), "child_counts"))
	assert.Equal(t, "England", a.Attributes().String("country"))
	_, hasType := a.Attributes().Get("type")
	assert.False(t, hasType)

	doc := resource.Serializer{}.Top(a)
	assert.Equal(t, "/areas/E06000001.geojson", doc.Links["geojson"])
	fc, err := resource.GeoJSON(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 1)
	assert.Equal(t, 1, b.Loads())
}

func mustGet(t *testing.T, a *resource.Attrs, k string) any {
	t.Helper()
	v, ok := a.Get(k)
	require.True(t, ok, k)
	return v
}

func TestAreaWithoutBoundaryAndNoExamples(t *testing.T) {
	r, _, _ := newResolver()
	a, err := r.Area(context.Background(), "E06000002", 0)
	require.NoError(t, err)
	assert.False(t, a.HasBoundary())
	_, ok := a.Relationship("example_postcodes")
	assert.False(t, ok)
	assert.NotContains(t, resource.Serializer{}.Top(a).Links, "geojson")

	_, err = resource.GeoJSON(context.Background(), a)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestAreaTypeFromEntity(t *testing.T) {
	r, _, _ := newResolver()
	a, err := r.Area(context.Background(), "E99999001", 0)
	require.NoError(t, err)
	at, ok := a.Relationship("areatype")
	require.True(t, ok)
	assert.Equal(t, "E99", at.One.ID())
	assert.Equal(t, "Test entity", at.One.Attributes().String("name"))
}

func TestAreaNotFound(t *testing.T) {
	r, _, _ := newResolver()
	a, err := r.Area(context.Background(), "E06999999", -1)
	require.NoError(t, err)
	assert.False(t, a.Found())
	assert.Equal(t, http.StatusNotFound, resource.Serializer{}.Top(a).Status)
}

func TestChildrenOfType(t *testing.T) {
	r, _, _ := newResolver()
	a, err := r.Children(context.Background(), "E06000001", "ward")
	require.NoError(t, err)
	rel, ok := a.Relationship("children")
	require.True(t, ok)
	require.Len(t, rel.Groups, 1)
	assert.Len(t, rel.Groups[0].Items, 2)
}

func TestAreaManyPredecessorsAndSuccessors(t *testing.T) {
	m, b := fixture()
	var preds, succs []any
	var wantPreds, wantSuccs []string
	for i := 1; i <= 6; i++ {
		p := fmt.Sprintf("E0700010%d", i)
		s := fmt.Sprintf("E0700020%d", i)
		m.Put(store.Areas, p, store.Record{"code": p, "name": "Old " + p, "type": "nonmd"})
		m.Put(store.Areas, s, store.Record{"code": s, "name": "New " + s, "type": "nonmd"})
		preds, succs = append(preds, p), append(succs, s)
		wantPreds, wantSuccs = append(wantPreds, p), append(wantSuccs, s)
	}
	// 空代码与不存在的代码都被跳过
	preds = append(preds, "", "E07000999")
	m.Put(store.Areas, "E06000009", store.Record{"code": "E06000009", "name": "Merged", "type": "laua",
		"predecessor": preds, "successor": succs})
	r := New(m, b, Options{Fanout: 4})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.Area(context.Background(), "E06000009", 0)
			if !assert.NoError(t, err) {
				return
			}
			pred, _ := a.Relationship("predecessor")
			succ, _ := a.Relationship("successor")
			assert.Equal(t, wantPreds, ids(pred.Targets()))
			assert.Equal(t, wantSuccs, ids(succ.Targets()))
		}()
	}
	wg.Wait()
}

func TestPointNearestPostcode(t *testing.T) {
	r, _, _ := newResolver()
	loc := ident.LatLon{Lat: 54.6901, Lon: -1.2101}
	p, err := r.Point(context.Background(), loc)
	require.NoError(t, err)
	require.True(t, p.Found())
	assert.Nil(t, p.Problem())

	rel, ok := p.Relationship("nearest_postcode")
	require.True(t, ok)
	assert.Equal(t, "TS24 7AA", rel.One.ID())
	assert.Equal(t, "E06000001", rel.One.Attributes().String("laua"))
	_, expanded := rel.One.Relationship("areas")
	assert.False(t, expanded, "nearest postcode is embedded one level below the point")

	doc := resource.Serializer{}.Top(p)
	require.Len(t, doc.Included, 1)
	assert.Equal(t, "postcodes", doc.Included[0].Type)
	assert.Empty(t, doc.Included[0].Relationships)

	d := mustGet(t, p.Attributes(), "distance_from_postcode").(float64)
	assert.InDelta(t, store.DistanceMeters(54.6901, -1.2101, 54.69, -1.21), d, 1e-6)
	assert.Less(t, d, 20.0)
}

func TestPointOutsideCoverage(t *testing.T) {
	r, _, _ := newResolver()
	p, err := r.Point(context.Background(), ident.LatLon{Lat: 51.5, Lon: -0.12})
	require.NoError(t, err)
	require.NotNil(t, p.Problem())
	assert.Equal(t, apperr.KindPointOutsideCoverage, p.Problem().Kind)
	assert.Greater(t, p.Problem().Meta["distance"].(float64), 10000.0)
	assert.Equal(t, "TS1 1AA", p.Problem().Meta["postcode"])
	assert.Contains(t, p.Problem().Message, "Nearest postcode (TS1 1AA) is more than 10km away")

	doc := resource.Serializer{}.Top(p)
	assert.Equal(t, http.StatusBadRequest, doc.Status)
	assert.Equal(t, "point_outside_uk", doc.Errors[0].Code)
}

// searchRecorder：记录转发给后端的检索请求
type searchRecorder struct {
	store.Backend
	mu   sync.Mutex
	reqs []store.Request
}

func (s *searchRecorder) Search(ctx context.Context, req store.Request) (store.Result, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return s.Backend.Search(ctx, req)
}

func TestPointSearchWidensOnlyWhenNeeded(t *testing.T) {
	m, b := fixture()
	rec := &searchRecorder{Backend: m}
	r := New(rec, b, Options{})

	_, err := r.Point(context.Background(), ident.LatLon{Lat: 54.6901, Lon: -1.2101})
	require.NoError(t, err)
	require.Len(t, rec.reqs, 1)
	first := rec.reqs[0]
	assert.True(t, first.NoTotal)
	assert.Equal(t, 1, first.Size)
	assert.Equal(t, DefaultMaxDistance, first.Query.Near.Meters)

	rec.reqs = nil
	p, err := r.Point(context.Background(), ident.LatLon{Lat: 51.5, Lon: -0.12})
	require.NoError(t, err)
	require.NotNil(t, p.Problem())
	var radii []float64
	for _, q := range rec.reqs {
		radii = append(radii, q.Query.Near.Meters)
	}
	assert.Equal(t, []float64{DefaultMaxDistance, 10 * DefaultMaxDistance, 0}, radii)
}

func TestPointCoverageUsesConfiguredCeiling(t *testing.T) {
	m, b := fixture()
	r := New(m, b, Options{MaxDistance: 5000})
	// TS24 7AA 约 6.7km 外
	p, err := r.Point(context.Background(), ident.LatLon{Lat: 54.63, Lon: -1.21})
	require.NoError(t, err)
	require.NotNil(t, p.Problem())
	assert.Contains(t, p.Problem().Message, "is more than 5km away")
	doc := resource.Serializer{}.Top(p)
	assert.NotContains(t, doc.Errors[0].Title, "10km")
}

func TestPointNoPostcodes(t *testing.T) {
	r := New(store.NewMemory(), nil, Options{})
	p, err := r.Point(context.Background(), ident.LatLon{Lat: 54, Lon: -1})
	require.NoError(t, err)
	assert.False(t, p.Found())
	assert.Equal(t, "no_postcode_found", resource.Serializer{}.Top(p).Errors[0].Code)
}

func TestFormatKm(t *testing.T) {
	assert.Equal(t, "12.3km", formatKm(12345))
	assert.Equal(t, "1,234.6km", formatKm(1234567))
	assert.Equal(t, "0.0km", formatKm(10))
}

func TestAreaTypePaginated(t *testing.T) {
	r, _, _ := newResolver()
	at, err := r.AreaType(context.Background(), "laua", pagination.Request{Page: 1, Size: 1, DefaultSize: 100})
	require.NoError(t, err)
	require.True(t, at.Found())
	assert.Equal(t, 2, mustGet(t, at.Attributes(), "count_areas"))
	assert.Equal(t, []string{"E06000001"}, ids(relMany(t, at, "areas")))
	require.NotNil(t, at.Page())
	assert.Equal(t, 2, at.Page().MaxPage)
	assert.NotNil(t, at.Page().Next)

	at, err = r.AreaType(context.Background(), "E05", pagination.Request{})
	require.NoError(t, err)
	assert.Equal(t, "E05", at.ID())

	at, err = r.AreaType(context.Background(), "nonsense", pagination.Request{})
	require.NoError(t, err)
	assert.False(t, at.Found())
	assert.Equal(t, "invalid_areatype", resource.Serializer{}.Top(at).Errors[0].Code)
}

func TestAreaTypesCounts(t *testing.T) {
	r, _, _ := newResolver()
	all, err := r.AreaTypes(context.Background())
	require.NoError(t, err)
	counts := map[string]any{}
	for _, at := range all {
		counts[at.ID()] = mustGet(t, at.Attributes(), "count_areas")
	}
	assert.Equal(t, 2, counts["laua"])
	assert.Equal(t, 2, counts["ward"])
}

func TestSearchAreasBoostsLargerAreas(t *testing.T) {
	r, _, _ := newResolver()
	res, err := r.SearchAreas(context.Background(), "Hartlepool", pagination.Request{Page: 1})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "E06000001", res.Items[0].ID())
	got := ids(res.Items)
	assert.Contains(t, got, "IPN0001")
	// 已废止的 ward 排在末尾
	assert.Equal(t, "E05000001", got[len(got)-1])
	assert.Equal(t, len(res.Items), res.Page.Total)

	_, err = r.SearchAreas(context.Background(), " ", pagination.Request{})
	assert.True(t, apperr.Is(err, apperr.KindMalformedInput))
}

func TestPostcodesByHash(t *testing.T) {
	r, _, _ := newResolver()
	recs, err := r.PostcodesByHash(context.Background(), []string{"abc", "ffe"}, []string{"laua"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "TS1 1AA", recs[0]["postcode"])
	assert.Equal(t, "E06000002", recs[0]["laua"])
	assert.NotContains(t, recs[0], "lat")

	_, err = r.PostcodesByHash(context.Background(), []string{"a"}, nil)
	assert.True(t, apperr.Is(err, apperr.KindMalformedInput))
	_, err = r.PostcodesByHash(context.Background(), []string{"abc", "a"}, nil)
	assert.True(t, apperr.Is(err, apperr.KindMalformedInput), "every prefix needs 3 characters")
}

func TestPostcodesByHashNames(t *testing.T) {
	r, _, _ := newResolver()
	recs, err := r.PostcodesByHash(context.Background(), []string{"abc"}, []string{"laua_name", "pcon_name"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.Record{
		"postcode": "TS24 7AA", "hash": "abc123",
		"laua": "E06000001", "laua_name": "Hartlepool",
		"pcon": "E14000404", "pcon_name": nil,
	}, recs[0])
}

func TestPlaceResolves(t *testing.T) {
	r, _, _ := newResolver()
	p, err := r.Place(context.Background(), "ipn0001")
	require.NoError(t, err)
	require.True(t, p.Found())
	assert.Equal(t, "Hartlepool", p.Attributes().String("name"))
	assert.ElementsMatch(t, []string{"E06000001", "E12000001"}, ids(relMany(t, p, "areas")))
	assert.Equal(t, []string{"IPN0002"}, ids(relMany(t, p, "nearest_places")))
	assert.Equal(t, []string{"TS24 7AA"}, ids(relMany(t, p, "nearest_postcodes")))
}

func TestPlaceNearbyClampsRadius(t *testing.T) {
	r, _, _ := newResolver()
	p, err := r.PlacePostcodes(context.Background(), "IPN0001", 1e9)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDistance, mustGet(t, p.Attributes(), "within"))
	assert.Equal(t, []string{"TS24 7AA"}, ids(relMany(t, p, "nearest_postcodes")))

	p, err = r.PlacePlaces(context.Background(), "IPN0001", 100)
	require.NoError(t, err)
	assert.Empty(t, relMany(t, p, "nearest_places"))
}

func TestExportAreas(t *testing.T) {
	r, _, _ := newResolver()
	var rows []ExportRow
	err := r.ExportAreas(context.Background(), "ward", func(row ExportRow) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "E05000001", rows[0].Code)
	assert.Equal(t, "false", rows[0].Active)

	err = r.ExportAreas(context.Background(), "nonsense", func(ExportRow) error { return nil })
	assert.True(t, apperr.Is(err, apperr.KindInvalidAreaType))
}

// flakyBackend：指定 id 的 Get 返回故障
type flakyBackend struct {
	store.Backend
	fail map[string]bool
}

func (f flakyBackend) Get(ctx context.Context, c store.Collection, id string, exclude ...string) (store.Doc, error) {
	if f.fail[id] {
		return store.Doc{}, errors.New("connection reset")
	}
	return f.Backend.Get(ctx, c, id, exclude...)
}

func TestRelationshipFailuresAbsorbed(t *testing.T) {
	m, b := fixture()
	r := New(flakyBackend{Backend: m, fail: map[string]bool{"E12000001": true}}, b, Options{Fanout: 1})
	pc, err := r.Postcode(context.Background(), "TS24 7AA")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"E06000001", "E05000001"}, ids(relMany(t, pc, "areas")))
	_, ok := pc.Attributes().Get("rgn_name")
	assert.False(t, ok)

	r = New(flakyBackend{Backend: m, fail: map[string]bool{"TS24 7AA": true}}, b, Options{})
	_, err = r.Postcode(context.Background(), "TS24 7AA")
	assert.Error(t, err)
}

func TestClampRadius(t *testing.T) {
	r := New(store.NewMemory(), nil, Options{MaxDistance: 5000})
	assert.Equal(t, 5000.0, r.ClampRadius(0))
	assert.Equal(t, 5000.0, r.ClampRadius(20000))
	assert.Equal(t, 1000.0, r.ClampRadius(1000))
}
