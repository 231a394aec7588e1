package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSearchParameterisesFields(t *testing.T) {
	q := buildSearch(Request{
		Collections: []Collection{Areas, Places},
		Query: Query{
			Text:    "hartlepool",
			Terms:   []Terms{{Field: "parent", Values: []string{"E12000001"}}},
			Missing: []string{"doterm"},
			Boosts:  []Boost{{Field: "type", Weight: 6}},
		},
		Sort:           Sort{Kind: SortScore},
		From:           20,
		Size:           10,
		Exclude:        []string{"boundary"},
		AggregateField: "type",
		AggregateSize:  100,
	})

	assert.True(t, strings.HasPrefix(q.count, "SELECT count(*) FROM geo_records WHERE collection = ANY($1)"))
	assert.Contains(t, q.count, "plainto_tsquery('simple', $2)")
	assert.NotContains(t, q.count, "parent")
	assert.Contains(t, q.countArgs, "parent")
	assert.Contains(t, q.countArgs, "doterm")

	assert.Contains(t, q.page, "ts_rank(search")
	assert.Contains(t, q.page, "CASE WHEN COALESCE(doc->>")
	assert.Contains(t, q.page, "ORDER BY score DESC, collection, id")
	assert.Equal(t, 10, q.pageArgs[len(q.pageArgs)-1])
	assert.Equal(t, 20, q.pageArgs[len(q.pageArgs)-2])

	assert.Contains(t, q.agg, "GROUP BY 1 ORDER BY 2 DESC")
	assert.Equal(t, 100, q.aggArgs[len(q.aggArgs)-1])
}

func TestBuildSearchGeo(t *testing.T) {
	q := buildSearch(Request{
		Collections: []Collection{Postcodes},
		Query:       Query{Near: &Near{Lat: 51.5, Lon: -0.1, Meters: 1000}},
		Sort:        Sort{Kind: SortDistance, Lat: 51.5, Lon: -0.1},
		Size:        5,
	})
	assert.Contains(t, q.count, "lat BETWEEN")
	assert.Contains(t, q.count, "asin(sqrt(")
	assert.Contains(t, q.page, "AS dist")
	assert.Contains(t, q.page, "ORDER BY dist ASC")
	assert.Empty(t, q.agg)

	unbounded := buildSearch(Request{
		Collections: []Collection{Postcodes},
		Query:       Query{Near: &Near{Lat: 51.5, Lon: -0.1}},
		Sort:        Sort{Kind: SortDistance, Lat: 51.5, Lon: -0.1},
		Size:        1,
	})
	assert.NotContains(t, unbounded.count, "BETWEEN")
	assert.Contains(t, unbounded.count, "lat IS NOT NULL")
}

func TestBuildSearchNearestWithoutCount(t *testing.T) {
	q := buildSearch(Request{
		Collections: []Collection{Postcodes},
		Query:       Query{Missing: []string{"doterm"}, Near: &Near{Lat: 54.69, Lon: -1.21, Meters: 10000}},
		Sort:        Sort{Kind: SortDistance, Lat: 54.69, Lon: -1.21},
		Size:        1,
		NoTotal:     true,
	})
	assert.Empty(t, q.count)
	assert.Nil(t, q.countArgs)
	assert.Contains(t, q.page, "lat BETWEEN")
	assert.Contains(t, q.page, "lon BETWEEN")
	assert.Contains(t, q.page, "ORDER BY dist ASC")
	assert.Equal(t, 1, q.pageArgs[len(q.pageArgs)-1])
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `ab\%c\_d\\`, escapeLike(`ab%c_d\`))
}
