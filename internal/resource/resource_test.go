package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postcode-api/internal/apperr"
	"postcode-api/internal/areatypes"
	"postcode-api/internal/boundary"
	"postcode-api/internal/ident"
	"postcode-api/internal/pagination"
	"postcode-api/internal/store"
)

func decode(t *testing.T, v any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func hartlepool() *Area {
	attrs := AreaAttrs("E06000001", store.Record{"name": "Hartlepool", "type": "laua", "active": true})
	return NewArea("E06000001", attrs, false, nil)
}

func TestAttrsKeepInsertionOrder(t *testing.T) {
	a := NewAttrs()
	a.Set("zeta", 1)
	a.Set("alpha", "x")
	a.Set("mid", true)
	a.Set("zeta", 2)
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":2,"alpha":"x","mid":true}`, string(raw))

	a.Delete("alpha")
	assert.Equal(t, []string{"zeta", "mid"}, a.Keys())

	var missing *Attrs
	v, ok := missing.Get("name")
	assert.Nil(t, v)
	assert.False(t, ok)
	assert.Equal(t, "", missing.String("name"))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/postcodes/SW1A+1AA", Path(KindPostcode, "SW1A 1AA", ""))
	assert.Equal(t, "/areas/E06000001.geojson", Path(KindArea, "E06000001", "geojson"))
	assert.Equal(t, "/areas/E06000001/children", RelationshipPath(KindArea, "E06000001", "children", true))
	assert.Equal(t, "/areas/E06000001/relationships/children", RelationshipPath(KindArea, "E06000001", "children", false))
}

func TestPostcodeDocumentIncludesAreas(t *testing.T) {
	tbl := areatypes.Default()
	area := hartlepool()
	attrs := PostcodeAttrs(store.Record{"laua": "E06000001", "dointr": "1980-01-01T00:00:00"}, tbl)
	attrs.Set("laua_name", "Hartlepool")
	pc := NewPostcode("TS24 7AA", attrs, Many("areas", []Resource{area}))

	s := Serializer{}
	doc := s.Top(pc)
	assert.Equal(t, http.StatusOK, doc.Status)
	out := decode(t, doc)

	data := out["data"].(map[string]any)
	assert.Equal(t, "postcodes", data["type"])
	assert.Equal(t, "1980-01-01", data["attributes"].(map[string]any)["dointr"])
	rels := data["relationships"].(map[string]any)["areas"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"type": "areas", "id": "E06000001"}}, rels["data"])
	assert.Equal(t, "/postcodes/TS24+7AA/relationships/areas", rels["links"].(map[string]any)["self"])

	included := out["included"].([]any)
	require.Len(t, included, 1)
	inc := included[0].(map[string]any)
	assert.Equal(t, "areas", inc["type"])
	assert.Equal(t, "E06000001", inc["id"])
	assert.Equal(t, "Hartlepool", inc["attributes"].(map[string]any)["name"])
	assert.Equal(t, "England", inc["attributes"].(map[string]any)["country"])

	// 内部仍保持 time.Time
	v, _ := pc.Attributes().Get("dointr")
	assert.IsType(t, time.Time{}, v)
}

func TestIdentifierIsProjectionOfTop(t *testing.T) {
	s := Serializer{Base: "https://example.org"}
	rs := []Resource{
		hartlepool(),
		NewPostcode("TS24 7AA", nil),
		NewPlace("IPN0001", PlaceAttrs(store.Record{"place15nm": "Hartlepool"})),
		NewAreaType("laua", nil, nil),
	}
	for _, r := range rs {
		top, _ := s.Object(r, RoleTop)
		id, inc := s.Object(r, RoleIdentifier)
		assert.Nil(t, inc)
		assert.Equal(t, Object{Type: top.Type, ID: top.ID}, id)
		assert.Equal(t, map[string]any{"type": top.Type, "id": top.ID}, decode(t, id))
	}
}

func TestNotFoundDocument(t *testing.T) {
	s := Serializer{}
	for _, r := range []Resource{MissingPostcode("ZZ1 1ZZ"), MissingArea("E99999999"), MissingPlace("X"), MissingAreaType("nope")} {
		assert.False(t, r.Found())
		assert.Equal(t, 0, r.Attributes().Len())
		assert.Empty(t, r.Relationships())

		doc := s.Top(r)
		assert.Equal(t, http.StatusNotFound, doc.Status)
		out := decode(t, doc)
		assert.NotContains(t, out, "data")
		assert.NotContains(t, out, "included")
		errs := out["errors"].([]any)
		require.Len(t, errs, 1)
		assert.Equal(t, "404", errs[0].(map[string]any)["status"])
	}
}

func TestIncludedDedupedAndExcludesRoot(t *testing.T) {
	parent := NewArea("E12000001", AreaAttrs("E12000001", store.Record{"name": "North East"}), false, nil)
	self := hartlepool()
	a := NewArea("E06000001", AreaAttrs("E06000001", store.Record{"name": "Hartlepool"}), false, nil,
		One("parent", parent),
		Many("predecessor", []Resource{parent, self}),
		Many("successor", []Resource{MissingArea("E06000099")}),
	)
	doc := Serializer{}.Top(a)
	require.Len(t, doc.Included, 1)
	assert.Equal(t, "E12000001", doc.Included[0].ID)

	out := decode(t, doc)
	rels := out["data"].(map[string]any)["relationships"].(map[string]any)
	assert.Equal(t, []any{}, rels["successor"].(map[string]any)["data"])
}

func TestEmbeddedRelationshipsAreIdentifiersOnly(t *testing.T) {
	parent := NewArea("E12000001", nil, false, nil)
	a := NewArea("E06000001", nil, false, nil, One("parent", parent), One("areatype", nil))
	_, ok := a.Relationship("areatype")
	assert.False(t, ok)

	obj, inc := Serializer{}.Object(a, RoleEmbedded)
	assert.Nil(t, inc)
	assert.Equal(t, Identifier{Type: "areas", ID: "E12000001"}, obj.Relationships["parent"].Data)
}

func TestAreaGeoJSONLink(t *testing.T) {
	bs := boundary.NewMemory()
	bs.Put("E06000001", []byte(`{"type":"multipolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]]]]}`))

	with := NewArea("E06000001", AreaAttrs("E06000001", store.Record{"name": "Hartlepool"}), true, boundary.NewLazy(bs, "E06000001"))
	doc := Serializer{Base: "/api/v1"}.Top(with)
	assert.Equal(t, "/api/v1/areas/E06000001.geojson", doc.Links["geojson"])

	without := hartlepool()
	doc = Serializer{}.Top(without)
	assert.NotContains(t, doc.Links, "geojson")

	fc, err := GeoJSON(context.Background(), with)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "MultiPolygon", fc.Features[0].Geometry.Type)
	assert.Equal(t, "Hartlepool", fc.Features[0].Properties.String("name"))
	assert.Equal(t, 1, bs.Loads())

	_, err = GeoJSON(context.Background(), without)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPointOutsideCoverage(t *testing.T) {
	loc := ident.LatLon{Lat: 40.7, Lon: -74.0}
	pc := NewPostcode("TR21 0PW", nil)
	attrs := NewAttrs()
	attrs.Set("distance_from_postcode", 5_000_000.0)
	problem := apperr.New(apperr.KindPointOutsideCoverage, "too far").
		WithMeta("distance", 5_000_000.0).
		WithMeta("postcode", "TR21 0PW")
	p := NewPoint(loc, attrs, problem, One("nearest_postcode", pc))
	assert.True(t, p.Found())

	doc := Serializer{}.Top(p)
	assert.Equal(t, http.StatusBadRequest, doc.Status)
	out := decode(t, doc)
	assert.NotContains(t, out, "data")
	e := out["errors"].([]any)[0].(map[string]any)
	assert.Equal(t, "point_outside_uk", e["code"])
	assert.Equal(t, "400", e["status"])
	assert.InDelta(t, 5_000_000.0, e["meta"].(map[string]any)["distance"], 0.001)

	missing := MissingPoint(loc)
	doc = Serializer{}.Top(missing)
	assert.Equal(t, http.StatusNotFound, doc.Status)
	assert.Equal(t, "no_postcode_found", doc.Errors[0].Code)
}

func TestGroupedChildren(t *testing.T) {
	w1 := NewArea("E05000001", nil, false, nil)
	w2 := NewArea("E05000002", nil, false, nil)
	p := NewArea("E14000001", nil, false, nil)
	a := NewArea("E06000001", nil, false, nil, Grouped("children", []Group{
		{Key: "ward", Items: []Resource{w1, w2}},
		{Key: "pcon", Items: []Resource{p}},
	}))
	doc := Serializer{}.Top(a)
	assert.Len(t, doc.Included, 3)
	out := decode(t, doc)
	children := out["data"].(map[string]any)["relationships"].(map[string]any)["children"].(map[string]any)["data"].(map[string]any)
	assert.Len(t, children["ward"], 2)
	assert.Len(t, children["pcon"], 1)

	rel := Serializer{}.Related(a, "children", true)
	assert.Len(t, rel.Data.(map[string][]Object)["ward"], 2)
	rel = Serializer{}.Related(a, "nope", true)
	assert.Equal(t, http.StatusNotFound, rel.Status)
}

func TestAreaTypeNavigationLinks(t *testing.T) {
	tbl := areatypes.Default()
	laua, ok := tbl.Lookup("laua")
	require.True(t, ok)
	page := pagination.Calculate(pagination.Request{Page: 2, Size: 100, DefaultSize: 100}, 350)
	at := NewAreaType("laua", AreaTypeAttrs(laua), &page)
	doc := Serializer{}.Top(at)
	assert.Equal(t, "/areatypes/laua?p=3", doc.Links["next"])
	assert.Equal(t, "/areatypes/laua?p=1", doc.Links["prev"])
	assert.NotContains(t, doc.Links, "first")
	assert.Equal(t, "/areatypes/laua?p=4", doc.Links["last"])
	assert.Equal(t, "Local Authority", at.Attributes().String("name"))
}

func TestPostcodeAttrsExpandCodes(t *testing.T) {
	a := PostcodeAttrs(store.Record{"oac11": "1A1", "ru11ind": "A1", "osgrdind": "1", "usertype": "0", "doterm": "bad"}, areatypes.Default())
	oac, _ := a.Get("oac11")
	assert.Equal(t, "Rural residents", oac.(map[string]string)["supergroup"])
	ru, _ := a.Get("ru11ind")
	assert.Equal(t, "Urban major conurbation", ru.(map[string]string)["description"])
	assert.Equal(t, "Small user", a.String("usertype_name"))
	assert.NotEmpty(t, a.String("osgrdind_name"))
	assert.Equal(t, "bad", a.String("doterm"))
}

func TestPlaceAttrsName(t *testing.T) {
	a := PlaceAttrs(store.Record{"place15nm": "Hartlepool", "descnm": "LOC"})
	assert.Equal(t, "Hartlepool", a.String("name"))
	_, ok := a.Get("place15nm")
	assert.False(t, ok)
}

func TestCountry(t *testing.T) {
	assert.Equal(t, "England", Country("E06000001"))
	assert.Equal(t, "Wales", Country("w06000015"))
	assert.Equal(t, "Scotland", Country("S12000033"))
	assert.Equal(t, "Northern Ireland", Country("N09000001"))
	assert.Equal(t, "", Country("L93000001"))
	assert.Equal(t, "", Country(""))
}

func TestCollectionDocument(t *testing.T) {
	page := pagination.Calculate(pagination.Request{Page: 1, Size: 1, DefaultSize: 10, Extra: map[string][]string{"q": {"hartlepool"}}}, 2)
	doc := Serializer{}.Collection([]Resource{hartlepool(), MissingArea("X")}, "/areas/search", &page, nil)
	assert.Len(t, doc.Data, 1)
	assert.Equal(t, "/areas/search?p=2&q=hartlepool&size=1", doc.Links["next"])
	assert.Equal(t, 2, doc.Meta["total"])
}
